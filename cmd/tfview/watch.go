package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tfview/internal/logging"
	"tfview/pkg/artifact"
	"tfview/pkg/event"
	"tfview/pkg/viewer"
)

func buildWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "watch <url>",
		Short:   "Follow a publisher from the terminal",
		Example: "  tfview watch http://localhost:8080 --html",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			retry, _ := cmd.Flags().GetDuration("retry")
			printHTML, _ := cmd.Flags().GetBool("html")

			log := logging.Component("watch")
			s, err := viewer.New(viewer.Options{URL: args[0], Logger: &log})
			if err != nil {
				return err
			}
			d := viewer.Watch(s, nil)
			s.On(event.NameConnect, func(json.RawMessage, viewer.Respond) {
				log.Info().Msg("connected")
			})
			s.On(event.NameDisconnect, func(json.RawMessage, viewer.Respond) {
				log.Info().Msg("disconnected")
			})
			for _, name := range []event.Name{event.NameModel, event.NameScatterplot, event.NameFitCallbacks, event.NameTrainFinished} {
				name := name
				s.On(name, func(payload json.RawMessage, _ viewer.Respond) {
					ev := log.Info().Str("event", string(name)).Int("bytes", len(payload))
					var ref struct {
						ModelURL string `json:"modelUrl"`
					}
					if json.Unmarshal(payload, &ref) == nil && ref.ModelURL != "" {
						ev = ev.Str("model_url", s.HTTPURL(ref.ModelURL))
						if model, ok := artifact.NameFromURL(ref.ModelURL); ok {
							ev = ev.Str("model", model)
						}
					}
					ev.Msg("event")
				})
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			err = s.KeepOpen(ctx, retry)
			if printHTML {
				fmt.Fprint(cmd.OutOrStdout(), d.HTML())
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().Duration("retry", time.Second, "Interval between connection attempts")
	cmd.Flags().Bool("html", false, "Print the rendered dashboard on exit")
	return cmd
}
