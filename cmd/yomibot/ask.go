package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yomibot/backend/internal/query"
)

var (
	askAgentic   bool
	askRequester string
	askImages    []string
	askVerbose   bool
	askTimeout   time.Duration
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Run one question through the pipeline and print the answer",
	Example: `  yomibot ask "best gear for vorkath"
  yomibot ask --agentic "can zezima solo corp"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApplication(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), askTimeout)
		defer cancel()

		out := cmd.OutOrStdout()
		errOut := cmd.ErrOrStderr()

		resp, err := app.engine.Process(ctx, query.Request{
			Query:     strings.Join(args, " "),
			UserID:    "cli",
			Requester: askRequester,
			ImageURLs: askImages,
			Agentic:   askAgentic || cfg.Agentic.Enabled,
			Status: func(status string) {
				if askVerbose {
					fmt.Fprintln(errOut, status)
				}
			},
		})
		if err != nil {
			fmt.Fprintln(errOut, query.UserMessage(err))
			return err
		}

		fmt.Fprintln(out, resp.Response)
		if askVerbose {
			fmt.Fprintf(errOut, "\nscope=%s players=%v pages=%v web=%v latency=%dms\n",
				resp.Scope, resp.Players, resp.WikiPages, resp.WebSearchUsed, resp.LatencyMS)
			for _, v := range resp.Violations {
				fmt.Fprintf(errOut, "violation %s: %s\n", v.Rule, v.Detail)
			}
		}
		return nil
	},
}

func init() {
	askCmd.Flags().BoolVar(&askAgentic, "agentic", false, "let the model request more data before answering")
	askCmd.Flags().StringVar(&askRequester, "as", "", "requester name shown to the model")
	askCmd.Flags().StringSliceVar(&askImages, "image", nil, "image URL to include (repeatable)")
	askCmd.Flags().BoolVarP(&askVerbose, "verbose", "v", false, "print progress and answer details to stderr")
	askCmd.Flags().DurationVar(&askTimeout, "timeout", 2*time.Minute, "overall time limit")
}
