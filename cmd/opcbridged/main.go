// Command opcbridged runs the OPC-over-USB bridge server: it listens
// for Open Pixel Control connections and fans pixel data out to
// attached Fadecandy-class LED controllers and Enttec-class DMX
// adapters, per spec.md.
//
// Argument parsing and run-mode handling are grounded on ipp-usb's own
// main.go (RunMode/RunParameters/parseArgv), trimmed to the modes this
// server actually needs: there is no udev-triggered exit mode and no
// daemon status query, since hotplug here is detected by polling
// rather than relying on udev, and there is no persistent daemon
// control socket in scope (see SPEC_FULL.md §9).
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/opcbridge/opcbridged/internal/config"
	"github.com/opcbridge/opcbridged/internal/core"
	"github.com/opcbridge/opcbridged/internal/logger"
)

const usageText = `Usage:
    %s mode [options]

Modes are:
    run         - run forever, discover devices and bridge OPC to them
    debug       - like run, but logs to the console (run discards logs)
    check       - load and validate the configuration file, then exit

Options are:
    -conf PATH  - path to the JSON configuration file (default %s)
`

const defaultConfigPath = "/etc/opcbridged/opcbridged.conf.json"

// RunMode selects what the command does once arguments are parsed.
type RunMode int

// Recognized run modes.
const (
	RunDefault RunMode = iota
	RunServe
	RunDebug
	RunCheck
)

// String implements fmt.Stringer.
func (m RunMode) String() string {
	switch m {
	case RunServe:
		return "run"
	case RunDebug:
		return "debug"
	case RunCheck:
		return "check"
	}
	return "default"
}

// runParameters holds the parsed command line.
type runParameters struct {
	Mode       RunMode
	ConfigPath string
}

func usage() {
	fmt.Printf(usageText, os.Args[0], defaultConfigPath)
	os.Exit(0)
}

func usageError(format string, args ...interface{}) {
	if format != "" {
		fmt.Printf(format+"\n", args...)
	}
	fmt.Printf("Try %s -h for more information\n", os.Args[0])
	os.Exit(1)
}

func parseArgv(argv []string) runParameters {
	params := runParameters{Mode: RunDebug, ConfigPath: defaultConfigPath}

	modes := 0
	for i := 0; i < len(argv); i++ {
		switch arg := argv[i]; arg {
		case "-h", "-help", "--help":
			usage()
		case "run":
			params.Mode = RunServe
			modes++
		case "debug":
			params.Mode = RunDebug
			modes++
		case "check":
			params.Mode = RunCheck
			modes++
		case "-conf":
			if i+1 >= len(argv) {
				usageError("-conf requires a path argument")
			}
			i++
			params.ConfigPath = argv[i]
		default:
			usageError("Invalid argument %s", arg)
		}
	}

	if modes > 1 {
		usageError("Conflicting run modes")
	}

	return params
}

func main() {
	params := parseArgv(os.Args[1:])

	data, err := os.ReadFile(params.ConfigPath)
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "opcbridged: %s\n", err)
		os.Exit(1)
	}
	if data == nil {
		data = []byte("{}")
	}

	cfg, err := config.Load(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opcbridged: %s\n", err)
		os.Exit(1)
	}

	if params.Mode == RunCheck {
		fmt.Printf("configuration OK: listening on %s, %d device(s) configured\n",
			cfg.Listen, len(cfg.Devices))
		return
	}

	log := logger.New()
	if params.Mode == RunDebug {
		log.ToConsole()
	} else {
		log.ToNowhere()
	}
	if cfg.Verbose {
		log.SetLevel(logger.LevelAll)
	} else {
		log.SetLevel(logger.LevelInfo | logger.LevelError)
	}

	srv := core.New(cfg, log)

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			data, err := os.ReadFile(params.ConfigPath)
			if err != nil {
				log.Error('!', "reload: %s", err)
				continue
			}
			cfg, err := config.Load(data)
			if err != nil {
				log.Error('!', "reload: %s", err)
				continue
			}
			srv.ReloadConfig(cfg)
		}
	}()

	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigterm
		srv.Close()
	}()

	if err := srv.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "opcbridged: %s\n", err)
		os.Exit(1)
	}
}
