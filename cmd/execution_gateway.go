/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/execution-service/internal/bootstrap"
	"github.com/spf13/cobra"
)

// executionGatewayCmd represents the execution-gateway command
var executionGatewayCmd = &cobra.Command{
	Use:   "execution-gateway",
	Short: "Start the Execution Gateway service",
	Long: `The Execution Gateway accepts order requests over HTTP and JetStream, validates
them against exposure limits, dispatches them to the configured venue through a
single FIFO lane and streams every lifecycle event to websocket subscribers.`,
	Run: bootstrap.StartExecutionGateway,
}

func init() {
	rootCmd.AddCommand(executionGatewayCmd)
}
