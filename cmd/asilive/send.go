package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/theckman/yacspin"

	"github.com/devilmastah/asilive/control"
)

// parseArgs turns key=value pairs into command arguments.  Values which
// parse as JSON keep their JSON type, anything else is a string.
func parseArgs(pairs []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(pairs))
	for _, p := range pairs {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return nil, fmt.Errorf("argument %q is not of the form key=value", p)
		}
		var v interface{}
		if err := json.Unmarshal([]byte(kv[1]), &v); err != nil {
			v = kv[1]
		}
		out[kv[0]] = v
	}
	return out, nil
}

func newSendCmd(load func() (config, error)) *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send <cmd> [key=value ...]",
		Short: "send one command to a running server and print the reply",
		Example: `  asilive send set_exposure_ms value=250
  asilive send capture_dark n=20
  asilive send set_crop x0=100 y0=100 x1=600 y1=400`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				c, err := load()
				if err != nil {
					return err
				}
				addr = c.ControlAddr
			}
			cmdArgs, err := parseArgs(args[1:])
			if err != nil {
				return err
			}
			client, err := control.Dial(addr, timeout)
			if err != nil {
				return err
			}
			defer client.Close()

			spinner, err := yacspin.New(yacspin.Config{
				Writer:            os.Stderr,
				Frequency:         100 * time.Millisecond,
				CharSet:           yacspin.CharSets[14],
				Suffix:            " " + args[0],
				StopCharacter:     "✓",
				StopFailCharacter: "✗",
			})
			if err == nil {
				err = spinner.Start()
			}
			if err != nil {
				spinner = nil
			}

			reply, err := client.Call(args[0], cmdArgs)
			if spinner != nil {
				if err != nil || !reply.OK {
					spinner.StopFail()
				} else {
					spinner.Stop()
				}
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err = enc.Encode(reply); err != nil {
				return err
			}
			if !reply.OK {
				return fmt.Errorf("%s failed: %s", args[0], reply.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "control endpoint, defaults to controladdr from the configuration")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up waiting for the reply after this long, 0 waits forever")
	return cmd
}
