package main

import (
	"sync"

	"github.com/spf13/cobra"
)

// commandExecutionContext records which command is running so fatal errors
// can be reported in the same format the command logs in.
type commandExecutionContext struct {
	CommandPath       string
	UsesStructuredLog bool
}

var (
	commandContextMu sync.Mutex
	commandContext   commandExecutionContext
)

func setCommandExecutionContext(ctx commandExecutionContext) {
	commandContextMu.Lock()
	commandContext = ctx
	commandContextMu.Unlock()
}

func resetCommandExecutionContext() {
	setCommandExecutionContext(commandExecutionContext{})
}

func currentCommandExecutionContext() commandExecutionContext {
	commandContextMu.Lock()
	defer commandContextMu.Unlock()
	return commandContext
}

// Commands that print results for humans or pipes keep plain output.
var plainOutputCommands = map[string]bool{
	"tally connectors list": true,
	"tally credentials set": true,
}

func commandUsesStructuredLogging(cmd *cobra.Command) bool {
	if cmd == nil || !cmd.Runnable() {
		return false
	}
	return !plainOutputCommands[cmd.CommandPath()]
}
