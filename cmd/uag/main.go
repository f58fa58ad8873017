package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/cloudwebrtc/go-sip-uag/pkg/call"
	"github.com/cloudwebrtc/go-sip-uag/pkg/command"
	"github.com/cloudwebrtc/go-sip-uag/pkg/config"
	"github.com/cloudwebrtc/go-sip-uag/pkg/contact"
	"github.com/cloudwebrtc/go-sip-uag/pkg/metrics"
	"github.com/cloudwebrtc/go-sip-uag/pkg/network"
	"github.com/cloudwebrtc/go-sip-uag/pkg/stack"
	"github.com/cloudwebrtc/go-sip-uag/pkg/ua"
	"github.com/cloudwebrtc/go-sip-uag/pkg/utils"
	"github.com/ghettovoice/gosip/log"
)

const version = "go-sip-uag/1.0.0"

func usage() {
	fmt.Fprintf(os.Stderr, `%s
Usage: uag [-c config.yaml] [-nc]

Options:
`, version)
	flag.PrintDefaults()
}

func completer(cmds *command.Commands) prompt.Completer {
	return func(d prompt.Document) []prompt.Suggest {
		var s []prompt.Suggest
		for _, cmd := range cmds.List() {
			s = append(s, prompt.Suggest{Text: cmd.Name, Description: cmd.Desc})
		}
		return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
	}
}

func consoleLoop(cmds *command.Commands, exit <-chan struct{}) {
	fmt.Println("Please select command.")
	for {
		t := prompt.Input("UAG> ", completer(cmds),
			prompt.OptionTitle(version),
			prompt.OptionHistory([]string{"ua", "calls", "reg"}),
			prompt.OptionPrefixTextColor(prompt.Yellow),
			prompt.OptionPreviewSuggestionTextColor(prompt.Blue),
			prompt.OptionSelectedSuggestionBGColor(prompt.LightGray),
			prompt.OptionSuggestionBGColor(prompt.DarkGray))

		t = strings.TrimSpace(t)
		if t != "" {
			if err := cmds.Exec(os.Stdout, t); err != nil {
				fmt.Printf("%v\n", err)
			}
		}
		if cmd, ok := cmds.Find(t); ok && cmd.Name == "quit" {
			return
		}

		select {
		case <-exit:
			return
		default:
		}
	}
}

func main() {
	noconsole := false
	h := false
	cfgFile := ""
	flag.BoolVar(&h, "h", false, "this help")
	flag.BoolVar(&noconsole, "nc", false, "no console mode")
	flag.StringVar(&cfgFile, "c", "", "configuration file")
	flag.Usage = usage
	flag.Parse()

	if h {
		flag.Usage()
		return
	}

	cfg := config.Default()
	if cfgFile != "" {
		var err error
		if cfg, err = config.Load(cfgFile); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	level, _ := utils.ParseLevel(strings.ToLower(cfg.Log.Level))
	utils.DefaultLogLevel = level
	logger := utils.NewLogrusLogger(level, "Main", nil)

	if err := run(cfg, logger, noconsole); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger log.Logger, noconsole bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var extensions []string
	if cfg.SIP.UUID != "" {
		extensions = []string{"path", "gruu", "outbound"}
	}
	sipStack := stack.New(&stack.Config{
		UserAgent:  cfg.SIP.UserAgent,
		Dns:        cfg.SIP.Dns,
		Extensions: extensions,
	}, utils.NewLogrusLogger(utils.DefaultLogLevel, "SipStack", nil))

	contacts := contact.New()
	for _, addr := range cfg.Contacts {
		if _, err := contacts.Add(addr); err != nil {
			logger.Warnf("contact %q: %v", addr, err)
		}
	}

	cmds := command.New()
	uag := ua.New(cfg, sipStack,
		ua.WithLogger(utils.NewLogrusLogger(utils.DefaultLogLevel, "UA", nil)),
		ua.WithNetwork(network.New(utils.NewLogrusLogger(utils.DefaultLogLevel, "Net", nil))),
		ua.WithContacts(contacts),
		ua.WithCommands(cmds),
		ua.WithCallAllocator(call.NewAllocator(sipStack, call.Config{},
			utils.NewLogrusLogger(utils.DefaultLogLevel, "Call", nil))),
	)

	exit := make(chan struct{})
	uag.SetExitHandler(func() { close(exit) })

	if err := uag.Init(); err != nil {
		return err
	}
	defer uag.Close()

	if err := uag.Subscribe(ua.EventHandlerFunc(func(u *ua.UserAgent, ev ua.EventKind, c ua.Call, text string) {
		if u == nil {
			logger.Infof("%s %s", ev, text)
			return
		}
		logger.Infof("%s: %s %s", u.AOR(), ev, text)
	})); err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		collector := metrics.New(uag)
		if err := uag.Subscribe(collector); err != nil {
			return err
		}
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: collector.Handler()}
		go func() {
			logger.Infof("Metrics => %s", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("metrics: %v", err)
			}
		}()
		defer srv.Close()
	}

	for _, aor := range cfg.Accounts {
		u, err := uag.Alloc(aor)
		if err != nil {
			logger.Warnf("account %q: %v", aor, err)
			continue
		}
		logger.Infof("Account => %s", u.AOR())
	}

	if err := registerCommands(cmds, uag); err != nil {
		return err
	}

	if cfg.Net.PollInterval > 0 {
		go uag.WatchNetwork(ctx)
	}

	if !noconsole {
		consoleLoop(cmds, exit)
	} else {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
		select {
		case <-stop:
			uag.StopAll(false)
		case <-exit:
		}
	}

	select {
	case <-exit:
	case <-time.After(5 * time.Second):
		logger.Warn("shutdown timed out")
		uag.StopAll(true)
	}
	return nil
}
