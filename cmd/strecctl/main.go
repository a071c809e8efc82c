// SPDX-License-Identifier: MIT

// strecctl drives a recording daemon over its control protocol.
//
//	strecctl [-server URL] [-key HEX] list
//	strecctl [-server URL] [-key HEX] start <stream-url> [name]
//	strecctl [-server URL] [-key HEX] stop <stream-url> [name]
//	strecctl [-server URL] [-key HEX] recordings
//	strecctl [-server URL] [-key HEX] delete <model>/<timestamp>
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/nbrandt/strec/internal/config"
	"github.com/nbrandt/strec/internal/log"
	"github.com/nbrandt/strec/internal/model"
	"github.com/nbrandt/strec/internal/recorder"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	serverURL := flag.String("server", "", "base URL of the recording daemon")
	keyHex := flag.String("key", "", "shared HMAC key, hex encoded")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("strecctl %s\n", version)
		os.Exit(0)
	}

	log.Configure(log.Config{Level: "error", Service: "strecctl", Version: version})

	if err := run(*configPath, *serverURL, *keyHex, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "strecctl:", err)
		os.Exit(1)
	}
}

func run(configPath, serverURL, keyHex string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("no action given, expected one of list, start, stop, recordings, delete")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if serverURL == "" {
		serverURL = cfg.ServerURL
	}
	if serverURL == "" {
		serverURL = "http://" + cfg.ListenAddress
	}
	if keyHex == "" && cfg.RequireAuth {
		keyHex = cfg.KeyHex
	}
	var key []byte
	if keyHex != "" {
		if key, err = hex.DecodeString(keyHex); err != nil {
			return fmt.Errorf("key is not valid hex: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	client := recorder.NewRemote(serverURL, &http.Client{Timeout: 30 * time.Second}, key)
	defer client.Shutdown()

	action, args := args[0], args[1:]
	switch action {
	case "list":
		if err := client.Refresh(ctx); err != nil {
			return err
		}
		models, err := client.Models()
		if err != nil {
			return err
		}
		if len(models) == 0 {
			fmt.Println("no models on the watch-list")
			return nil
		}
		for _, m := range models {
			fmt.Printf("%s\t%s\n", m.Name, m.URL)
		}
		return nil

	case "start", "stop":
		m, err := modelArg(args)
		if err != nil {
			return err
		}
		if action == "start" {
			if err := client.StartRecording(ctx, m); err != nil {
				return err
			}
			fmt.Printf("recording %s\n", m.Name)
			return nil
		}
		if err := client.StopRecording(ctx, m); err != nil {
			return err
		}
		fmt.Printf("stopped %s\n", m.Name)
		return nil

	case "recordings":
		recs, err := client.Recordings(ctx)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("no recordings")
			return nil
		}
		for _, rec := range recs {
			fmt.Printf("%s\t%s\t%d%%\t%.1f MiB\n", rec.Path, rec.Status, rec.Progress, float64(rec.SizeBytes)/(1<<20))
		}
		return nil

	case "delete":
		if len(args) != 1 {
			return fmt.Errorf("delete needs exactly one <model>/<timestamp> argument")
		}
		rec, err := recorder.ParseRecordingPath(args[0])
		if err != nil {
			return err
		}
		if err := client.Delete(ctx, rec); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", rec.Path)
		return nil

	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

// modelArg builds a model from <stream-url> [name]. The name defaults to
// the last path element of the URL.
func modelArg(args []string) (model.Model, error) {
	if len(args) < 1 || len(args) > 2 {
		return model.Model{}, fmt.Errorf("expected <stream-url> [name]")
	}
	m := model.Model{URL: args[0]}
	if len(args) == 2 {
		m.Name = args[1]
	} else {
		m.Name = path.Base(args[0])
	}
	if m.Name == "" || m.Name == "." || m.Name == "/" {
		return model.Model{}, fmt.Errorf("cannot derive a model name from %q", args[0])
	}
	return m, nil
}
