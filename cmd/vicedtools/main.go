package main

import (
	"vicedtools/cmd/vicedtools/commands"
	"vicedtools/internal/components/telemetry"
	"vicedtools/lib/util/serviceutil"
)

func main() {
	telemetry.InitSlog(false)
	commands.ExecuteContext(serviceutil.SignalContext())
}
