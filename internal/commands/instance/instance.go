// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package instance implements the instance command group of the taskhub CLI.
package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tombee/taskhub/internal/protocol"
)

// DefaultAddr is the default sidecar management address.
const DefaultAddr = "localhost:4001"

func dial(addr string) (*grpc.ClientConn, *protocol.TaskHubManagementClient, error) {
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return cc, protocol.NewTaskHubManagementClient(cc), nil
}

func printInfo(info *protocol.InstanceInfo) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

// NewInstanceCommand creates the instance command group.
func NewInstanceCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "instance",
		Short: "Manage orchestration instances",
		Long:  `Commands for starting, inspecting, and controlling orchestration instances.`,
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", DefaultAddr, "Sidecar management address")

	cmd.AddCommand(newStartCommand(&addr))
	cmd.AddCommand(newGetCommand(&addr))
	cmd.AddCommand(newRaiseEventCommand(&addr))
	cmd.AddCommand(newTerminateCommand(&addr))
	cmd.AddCommand(newSuspendCommand(&addr))
	cmd.AddCommand(newResumeCommand(&addr))
	cmd.AddCommand(newPurgeCommand(&addr))
	cmd.AddCommand(newWaitCommand(&addr))

	return cmd
}

func newStartCommand(addr *string) *cobra.Command {
	var instanceID string
	var input string
	var startIn time.Duration

	cmd := &cobra.Command{
		Use:   "start <orchestration-name>",
		Short: "Schedule a new orchestration instance",
		Example: `  # Start an orchestration with a generated instance id
  taskhub instance start OrderWorkflow --input '{"orderId": 42}'

  # Start with an explicit instance id, delayed by one minute
  taskhub instance start OrderWorkflow --id order-42 --start-in 1m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, client, err := dial(*addr)
			if err != nil {
				return err
			}
			defer cc.Close()

			req := &protocol.CreateInstanceRequest{
				InstanceID: instanceID,
				Name:       args[0],
				Input:      input,
			}
			if startIn > 0 {
				at := time.Now().UTC().Add(startIn)
				req.StartAt = &at
			}
			resp, err := client.StartInstance(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Printf("started %s (execution %s)\n", resp.InstanceID, resp.ExecutionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&instanceID, "id", "", "Instance id (generated when empty)")
	cmd.Flags().StringVar(&input, "input", "", "Serialized orchestration input")
	cmd.Flags().DurationVar(&startIn, "start-in", 0, "Delay before the first episode runs")
	return cmd
}

func newGetCommand(addr *string) *cobra.Command {
	var payloads bool

	cmd := &cobra.Command{
		Use:   "get <instance-id>",
		Short: "Show instance state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, client, err := dial(*addr)
			if err != nil {
				return err
			}
			defer cc.Close()

			info, err := client.GetInstance(cmd.Context(), &protocol.GetInstanceRequest{
				InstanceID:    args[0],
				FetchPayloads: payloads,
			})
			if err != nil {
				return err
			}
			return printInfo(info)
		},
	}
	cmd.Flags().BoolVar(&payloads, "payloads", false, "Include input, output, and failure payloads")
	return cmd
}

func newRaiseEventCommand(addr *string) *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:   "raise-event <instance-id> <event-name>",
		Short: "Deliver an external event to an instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, client, err := dial(*addr)
			if err != nil {
				return err
			}
			defer cc.Close()

			_, err = client.RaiseEvent(cmd.Context(), &protocol.RaiseEventRequest{
				InstanceID: args[0],
				Name:       args[1],
				Input:      input,
			})
			return err
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "Serialized event payload")
	return cmd
}

func newTerminateCommand(addr *string) *cobra.Command {
	var output string
	var recurse bool

	cmd := &cobra.Command{
		Use:   "terminate <instance-id>",
		Short: "Force-terminate an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, client, err := dial(*addr)
			if err != nil {
				return err
			}
			defer cc.Close()

			_, err = client.TerminateInstance(cmd.Context(), &protocol.TerminateInstanceRequest{
				InstanceID: args[0],
				Output:     output,
				Recurse:    recurse,
			})
			return err
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "Termination output payload")
	cmd.Flags().BoolVar(&recurse, "recurse", false, "Terminate sub-orchestrations too")
	return cmd
}

func newSuspendCommand(addr *string) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "suspend <instance-id>",
		Short: "Pause event processing for an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, client, err := dial(*addr)
			if err != nil {
				return err
			}
			defer cc.Close()

			_, err = client.SuspendInstance(cmd.Context(), &protocol.SuspendInstanceRequest{
				InstanceID: args[0],
				Reason:     reason,
			})
			return err
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Suspension reason")
	return cmd
}

func newResumeCommand(addr *string) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "resume <instance-id>",
		Short: "Resume a suspended instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, client, err := dial(*addr)
			if err != nil {
				return err
			}
			defer cc.Close()

			_, err = client.ResumeInstance(cmd.Context(), &protocol.ResumeInstanceRequest{
				InstanceID: args[0],
				Reason:     reason,
			})
			return err
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Resumption reason")
	return cmd
}

func newPurgeCommand(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <instance-id>",
		Short: "Delete all state for a completed instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, client, err := dial(*addr)
			if err != nil {
				return err
			}
			defer cc.Close()

			resp, err := client.PurgeInstance(cmd.Context(), &protocol.PurgeInstanceRequest{
				InstanceID: args[0],
			})
			if err != nil {
				return err
			}
			fmt.Printf("purged %d instance(s)\n", resp.DeletedCount)
			return nil
		},
	}
}

func newWaitCommand(addr *string) *cobra.Command {
	var payloads bool
	var timeout time.Duration
	var forStart bool

	cmd := &cobra.Command{
		Use:   "wait <instance-id>",
		Short: "Wait for an instance to start or complete",
		Example: `  # Wait up to five minutes for completion
  taskhub instance wait order-42 --timeout 5m --payloads

  # Wait only for the instance to leave the pending state
  taskhub instance wait order-42 --for-start`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, client, err := dial(*addr)
			if err != nil {
				return err
			}
			defer cc.Close()

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			req := &protocol.WaitForInstanceRequest{
				InstanceID:    args[0],
				FetchPayloads: payloads,
			}
			var info *protocol.InstanceInfo
			if forStart {
				info, err = client.WaitForInstanceStart(ctx, req)
			} else {
				info, err = client.WaitForInstanceCompletion(ctx, req)
			}
			if err != nil {
				return err
			}
			return printInfo(info)
		},
	}
	cmd.Flags().BoolVar(&payloads, "payloads", false, "Include input, output, and failure payloads")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this duration")
	cmd.Flags().BoolVar(&forStart, "for-start", false, "Wait for the instance to start instead of complete")
	return cmd
}
