package main

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/hupe1980/assistantmesh/core"
)

// StreamCommand returns the stream command
func StreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "stream",
		Usage: "Send one message and print the run events as they arrive",
		Flags: append([]cli.Flag{
			&cli.BoolFlag{
				Name:  "raw",
				Usage: "Print every event as a JSON line",
			},
		}, turnFlags()...),
		Action: runStream,
	}
}

func runStream(c *cli.Context) error {
	a, req, err := prepareTurn(c)
	if err != nil {
		return err
	}
	defer a.Close()

	events, threadID, err := a.Engine.Stream(c.Context, req)
	if err != nil {
		return describe(err, threadID)
	}

	w := c.App.Writer
	var failure error
	for ev := range events {
		if c.Bool("raw") {
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, string(data))
			continue
		}

		data, _ := ev.Data.(map[string]any)
		switch ev.Type {
		case core.EventMessageDelta:
			fmt.Fprint(w, data["delta"])
		case core.EventMessageCompleted:
			fmt.Fprintln(w)
		case core.EventRunFailed, core.EventRunExpired, core.EventRunCancelled:
			failure = fmt.Errorf("run %s", ev.Type)
		case core.EventError:
			failure = fmt.Errorf("%v", data["error"])
		}
	}

	if failure != nil {
		return describe(failure, threadID)
	}
	fmt.Fprintf(w, "thread: %s\n", threadID)
	return nil
}
