package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/runway/pkg/client"
	"github.com/cuemby/runway/pkg/errdefs"
	"github.com/cuemby/runway/pkg/types"
)

var callCmd = &cobra.Command{
	Use:   "call CLUSTER RESOURCE [METHOD] [ARG...]",
	Short: "Call a method on a resource",
	Long: `Call a method on a resource resident on a cluster and print the result
as JSON. Each ARG is parsed as JSON and passed as a string when it is not.

Examples:
  runway call c1 echo run hi
  runway call c1 cache put --kwargs '{"key":"k","value":[1,2]}'
  runway call c1 train fit --stream
  runway call c1 train fit --async --run-name nightly`,
	Args: cobra.MinimumNArgs(2),
	RunE: runCall,
}

func init() {
	callCmd.Flags().String("kwargs", "", "Keyword arguments as a JSON object")
	callCmd.Flags().Bool("stream", false, "Stream output lines while the call runs")
	callCmd.Flags().Bool("async", false, "Return the run key instead of waiting")
	callCmd.Flags().String("run-name", "", "Name the run")
	callCmd.Flags().Duration("timeout", 0, "Stop waiting after this long; the run continues")
	callCmd.Flags().String("serialization", string(types.SerializationJSON), "Payload serialization: json, pickle or none")
	callCmd.Flags().Bool("up", false, "Bring the cluster up first")

	rootCmd.AddCommand(callCmd)
}

func runCall(cmd *cobra.Command, args []string) error {
	rawKwargs, _ := cmd.Flags().GetString("kwargs")
	stream, _ := cmd.Flags().GetBool("stream")
	async, _ := cmd.Flags().GetBool("async")
	runName, _ := cmd.Flags().GetString("run-name")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	serialization, _ := cmd.Flags().GetString("serialization")
	up, _ := cmd.Flags().GetBool("up")

	clusterArg, resource := args[0], args[1]
	var method string
	if len(args) > 2 {
		method = args[2]
	}
	var callArgs []any
	if len(args) > 3 {
		callArgs = parseArgs(args[3:])
	}

	var kwargs map[string]any
	if rawKwargs != "" {
		if err := json.Unmarshal([]byte(rawKwargs), &kwargs); err != nil {
			return fmt.Errorf("--kwargs must be a JSON object: %v: %w", err, errdefs.ErrInvalidArgument)
		}
	}

	opts := []client.CallOption{
		client.WithSerialization(types.Serialization(serialization)),
		client.WithTimeout(timeout),
		client.WithRunName(runName),
	}
	if stream {
		opts = append(opts, client.WithStreamLogs(os.Stderr))
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	cluster, err := a.runningCluster(cmd.Context(), clusterArg, up)
	if err != nil {
		return err
	}

	if async {
		run, err := a.client.CallAsync(cmd.Context(), cluster, resource, method, callArgs, kwargs, opts...)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), run.Key)
		return nil
	}

	result, err := a.client.Call(cmd.Context(), cluster, resource, method, callArgs, kwargs, opts...)
	if err != nil {
		printTraceback(err)
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}

// parseArgs reads each argument as JSON, keeping it as a string otherwise
func parseArgs(raw []string) []any {
	out := make([]any, len(raw))
	for i, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			v = s
		}
		out[i] = v
	}
	return out
}

func printTraceback(err error) {
	var re *errdefs.RemoteError
	if errors.As(err, &re) && re.Traceback != "" {
		fmt.Fprintln(os.Stderr, re.Traceback)
	}
}

// Run commands
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Inspect runs started on a cluster",
}

var runWaitCmd = &cobra.Command{
	Use:   "wait CLUSTER KEY",
	Short: "Wait for a run and print its result",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		stream, _ := cmd.Flags().GetBool("stream")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		cluster, err := a.manager.Get(args[0])
		if err != nil {
			return err
		}
		run := a.client.Attach(cluster, args[1])

		var result any
		if stream {
			s, err := run.Stream(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			for chunk := range s.Logs() {
				fmt.Fprintln(os.Stderr, chunk.Line)
			}
			result, err = s.Result()
			if err != nil {
				printTraceback(err)
				return err
			}
		} else {
			result, err = run.Wait(cmd.Context())
			if err != nil {
				printTraceback(err)
				return err
			}
		}
		return printJSON(cmd.OutOrStdout(), result)
	},
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel CLUSTER KEY",
	Short: "Cancel a run",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		cluster, err := a.manager.Get(args[0])
		if err != nil {
			return err
		}
		cancelled, err := a.client.Attach(cluster, args[1]).Cancel(cmd.Context())
		if err != nil {
			return err
		}
		if cancelled {
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Run %s cancelled\n", args[1])
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s had already finished\n", args[1])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.AddCommand(runWaitCmd)
	runCmd.AddCommand(runCancelCmd)

	runWaitCmd.Flags().Bool("stream", false, "Stream output lines while waiting")
}
