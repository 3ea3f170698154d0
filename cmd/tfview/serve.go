package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tfview/internal/common/fsutil"
	"tfview/internal/config"
	"tfview/internal/dirwatch"
	"tfview/internal/logging"
	"tfview/pkg/artifact"
	"tfview/pkg/event"
	"tfview/pkg/tfview"
	"tfview/pkg/types"
)

func buildServeCmd(lookup lookupFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Publish a model and relay events to viewers",
		Example: "  tfview serve --model mpg --model-dir ./export\n" +
			"  train.py | tfview serve --stdin",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, lookup)
			if err != nil {
				return err
			}
			var in io.Reader
			if relayStdin, _ := cmd.Flags().GetBool("stdin"); relayStdin {
				in = cmd.InOrStdin()
			}
			watch, _ := cmd.Flags().GetBool("watch")
			if watch && cfg.ModelDir == "" {
				return errors.New("--watch needs --model-dir")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, in, watch)
		},
	}
	d := config.Defaults()
	f := cmd.Flags()
	f.String("addr", d.Addr, "HTTP listen address (TFVIEW_ADDR)")
	f.String("publish", "", "Publish root holding models/ and js/ (TFVIEW_PUBLISH, default working dir)")
	f.String("model", d.Model, "Name the model is published under (TFVIEW_MODEL)")
	f.String("model-dir", "", "Directory with model.json and weight files to publish (TFVIEW_MODEL_DIR)")
	f.Int("replay-limit", 0, "Cap on replayed events, 0 keeps all (TFVIEW_REPLAY_LIMIT)")
	f.Int64("max-message-bytes", d.MaxMessageBytes, "Max websocket frame and POST body size (TFVIEW_MAX_MESSAGE_BYTES)")
	f.String("cors-origins", "", "Comma-separated allowed origins, enables CORS (TFVIEW_CORS_ORIGINS)")
	f.Int("shutdown-seconds", d.ShutdownSeconds, "Graceful shutdown timeout")
	f.Bool("stdin", false, "Relay newline-delimited {name,payload,replace} events from stdin")
	f.Bool("watch", false, "Republish the model whenever --model-dir changes")
	return cmd
}

// modelSaver picks what Open persists: the exported model directory when one
// is configured, otherwise an empty Sequential topology so the dashboard
// still has a model panel.
func modelSaver(cfg config.Config) (artifact.Saver, error) {
	if cfg.ModelDir == "" {
		topo, err := json.Marshal(map[string]any{
			"class_name": "Sequential",
			"config":     map[string]any{"name": cfg.Model, "layers": []any{}},
		})
		if err != nil {
			return nil, err
		}
		return artifact.Layers{Topology: topo, GeneratedBy: "tfview " + version}, nil
	}
	dir, err := fsutil.AbsDir(cfg.ModelDir)
	if err != nil {
		return nil, fmt.Errorf("model dir: %w", err)
	}
	if !fsutil.PathExists(dir) {
		return nil, fmt.Errorf("model dir %s does not exist", dir)
	}
	return artifact.Dir(dir), nil
}

func runServe(ctx context.Context, cfg config.Config, in io.Reader, watch bool) error {
	log := logging.Component("serve")
	publish := cfg.Publish
	if publish != "" {
		abs, err := fsutil.AbsDir(publish)
		if err != nil {
			return fmt.Errorf("publish dir: %w", err)
		}
		publish = abs
	}
	saver, err := modelSaver(cfg)
	if err != nil {
		return err
	}

	p := tfview.New(tfview.Options{
		Addr:            cfg.Addr,
		Publish:         publish,
		ReplayLimit:     cfg.ReplayLimit,
		MaxMessageBytes: cfg.MaxMessageBytes,
		CORSOrigins:     cfg.CORSOrigins,
		Logger:          &log,
	})
	if err := p.Open(ctx, cfg.Model, saver); err != nil {
		return err
	}
	log.Info().Str("url", p.URL()).Msg("dashboard ready")

	if in != nil {
		go func() {
			n, err := relay(in, p, log)
			ev := log.Info().Int("events", n)
			if err != nil {
				ev = log.Warn().Err(err).Int("events", n)
			}
			ev.Msg("stdin relay finished")
		}()
	}

	if watch {
		w, err := watchModelDir(ctx, p, saver, log)
		if err != nil {
			_ = p.Close(context.Background())
			return err
		}
		defer w.Stop()
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownSeconds)*time.Second)
	defer cancel()
	if err := p.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown error")
		return err
	}
	return nil
}

type republisher interface {
	Republish(ctx context.Context, model artifact.Saver) (string, error)
}

// watchModelDir republishes the model each time the export directory settles
// after a change, so open dashboards reload it.
func watchModelDir(ctx context.Context, p republisher, saver artifact.Saver, log zerolog.Logger) (*dirwatch.Watcher, error) {
	dir, ok := saver.(artifact.Dir)
	if !ok {
		return nil, errors.New("watch: model is not read from a directory")
	}
	w, err := dirwatch.New(string(dir), func() {
		url, err := p.Republish(ctx, dir)
		if err != nil {
			log.Warn().Err(err).Msg("model reload failed")
			return
		}
		log.Info().Str("url", url).Msg("model reloaded")
	}, dirwatch.Options{Logger: &log})
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	w.Start()
	log.Info().Str("dir", string(dir)).Msg("watching model dir")
	return w, nil
}

type emitter interface {
	Emit(event.Event)
	Replace(event.Event)
}

// relay reads one types.EmitRequest per line and emits it. Malformed lines
// are logged and skipped. It returns the number of events emitted.
func relay(r io.Reader, p emitter, log zerolog.Logger) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	n, line := 0, 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var req types.EmitRequest
		if err := json.Unmarshal(b, &req); err != nil {
			log.Warn().Err(err).Int("line", line).Msg("invalid event line skipped")
			continue
		}
		ev, err := event.Decode(event.Name(req.Name), req.Payload)
		if err != nil {
			log.Warn().Err(err).Int("line", line).Msg("invalid event skipped")
			continue
		}
		if req.Replace {
			p.Replace(ev)
		} else {
			p.Emit(ev)
		}
		n++
	}
	return n, sc.Err()
}

var (
	_ emitter     = (*tfview.Publisher)(nil)
	_ republisher = (*tfview.Publisher)(nil)
)
