package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/hupe1980/assistantmesh/core"
	"github.com/hupe1980/assistantmesh/engine"
	"github.com/hupe1980/assistantmesh/internal/app"
)

func turnFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "assistant",
			Aliases: []string{"a"},
			Usage:   "Public assistant `ID`",
			Value:   "general-assistant",
		},
		&cli.StringFlag{
			Name:    "message",
			Aliases: []string{"m"},
			Usage:   "Message text",
		},
		&cli.StringFlag{
			Name:    "thread",
			Aliases: []string{"t"},
			Usage:   "Continue an existing thread",
		},
		&cli.StringFlag{
			Name:  "caller",
			Usage: "Caller reference used to reuse the caller's thread",
		},
		&cli.PathFlag{
			Name:    "image",
			Aliases: []string{"i"},
			Usage:   "Attach an image `FILE`",
		},
	}
}

// ChatCommand returns the chat command
func ChatCommand() *cli.Command {
	return &cli.Command{
		Name:   "chat",
		Usage:  "Send one message and wait for the reply",
		Flags:  turnFlags(),
		Action: runChat,
	}
}

func runChat(c *cli.Context) error {
	a, req, err := prepareTurn(c)
	if err != nil {
		return err
	}
	defer a.Close()

	resp, err := a.Engine.Chat(c.Context, req)
	if err != nil {
		return describe(err, resp.ThreadID)
	}

	return printJSON(c.App.Writer, map[string]string{
		"reply":    resp.Reply,
		"threadId": resp.ThreadID,
		"runId":    resp.RunID,
	})
}

func prepareTurn(c *cli.Context) (*app.App, engine.ChatRequest, error) {
	req := engine.ChatRequest{
		AssistantID: c.String("assistant"),
		Message:     c.String("message"),
		ThreadID:    c.String("thread"),
		CallerRef:   c.String("caller"),
	}
	if path := c.Path("image"); path != "" {
		img, err := readImage(path)
		if err != nil {
			return nil, req, err
		}
		req.Image = img
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return nil, req, err
	}
	a, err := app.New(c.Context, cfg)
	if err != nil {
		return nil, req, err
	}
	return a, req, nil
}

func readImage(path string) (*core.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return &core.Image{
		Data:     data,
		MIMEType: http.DetectContentType(data),
		Filename: filepath.Base(path),
	}, nil
}

// describe adds the thread to a failed turn so it can be resumed.
func describe(err error, threadID string) error {
	if threadID == "" {
		return err
	}
	return fmt.Errorf("%w (thread %s)", err, threadID)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
