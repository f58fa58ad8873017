package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cloudwebrtc/go-sip-uag/pkg/command"
	"github.com/cloudwebrtc/go-sip-uag/pkg/ua"
	"github.com/cloudwebrtc/go-sip-uag/pkg/utils"
)

type transferer interface {
	Transfer(target string) error
}

func currentUA(uag *ua.Registry) (*ua.UserAgent, error) {
	u := uag.Current()
	if u == nil {
		return nil, fmt.Errorf("no user agent")
	}
	return u, nil
}

func currentCall(uag *ua.Registry) (*ua.UserAgent, ua.Call, error) {
	u, err := currentUA(uag)
	if err != nil {
		return nil, nil, err
	}
	c := u.Call()
	if c == nil {
		return nil, nil, fmt.Errorf("no active call")
	}
	return u, c, nil
}

// registerCommands adds the console commands of the binary; "quit" comes
// from the registry itself.
func registerCommands(cmds *command.Commands, uag *ua.Registry) error {
	return cmds.Register(
		command.Command{Name: "ua", Key: 'u', Desc: "List user agents", Handler: func(w io.Writer, _ string) error {
			uag.PrintStatus(w)
			return nil
		}},
		command.Command{Name: "select", Desc: "Select user agent by index", Handler: func(w io.Writer, args string) error {
			i, err := strconv.Atoi(args)
			uas := uag.List()
			if err != nil || i < 0 || i >= len(uas) {
				return fmt.Errorf("invalid index %q", args)
			}
			uag.SetCurrent(uas[i])
			fmt.Fprintf(w, "selected %s\n", uas[i].AOR())
			return nil
		}},
		command.Command{Name: "debug", Desc: "User agent debug", Handler: func(w io.Writer, _ string) error {
			for _, u := range uag.List() {
				u.Debug(w)
			}
			return nil
		}},
		command.Command{Name: "calls", Key: 'l', Desc: "List active calls", Handler: func(w io.Writer, _ string) error {
			for _, u := range uag.List() {
				u.PrintCalls(w)
			}
			return nil
		}},
		command.Command{Name: "dial", Key: 'd', Desc: "Dial <uri>", Handler: func(w io.Writer, args string) error {
			u, err := currentUA(uag)
			if err != nil {
				return err
			}
			return u.Connect(nil, "", args, "", ua.VideoOff)
		}},
		command.Command{Name: "answer", Key: 'a', Desc: "Answer incoming call", Handler: func(w io.Writer, _ string) error {
			u, err := currentUA(uag)
			if err != nil {
				return err
			}
			return u.Answer(nil)
		}},
		command.Command{Name: "hangup", Key: 'b', Desc: "Hangup call [code reason]", Handler: func(w io.Writer, args string) error {
			u, c, err := currentCall(uag)
			if err != nil {
				return err
			}
			code, reason := 0, ""
			if args != "" {
				s, r, _ := strings.Cut(args, " ")
				if code, err = strconv.Atoi(s); err != nil {
					return fmt.Errorf("invalid status code %q", s)
				}
				reason = r
			}
			u.Hangup(c, code, reason)
			return nil
		}},
		command.Command{Name: "hold", Key: 'x', Desc: "Put call on hold", Handler: func(w io.Writer, _ string) error {
			_, c, err := currentCall(uag)
			if err != nil {
				return err
			}
			return c.Hold(true)
		}},
		command.Command{Name: "resume", Key: 'X', Desc: "Resume held call", Handler: func(w io.Writer, _ string) error {
			_, c, err := currentCall(uag)
			if err != nil {
				return err
			}
			return c.Hold(false)
		}},
		command.Command{Name: "transfer", Key: 't', Desc: "Transfer call to <uri>", Handler: func(w io.Writer, args string) error {
			_, c, err := currentCall(uag)
			if err != nil {
				return err
			}
			t, ok := c.(transferer)
			if !ok {
				return fmt.Errorf("call transfer not supported")
			}
			return t.Transfer(args)
		}},
		command.Command{Name: "reg", Key: 'R', Desc: "Register current user agent", Handler: func(w io.Writer, _ string) error {
			u, err := currentUA(uag)
			if err != nil {
				return err
			}
			return u.Register()
		}},
		command.Command{Name: "unreg", Desc: "Unregister current user agent", Handler: func(w io.Writer, _ string) error {
			u, err := currentUA(uag)
			if err != nil {
				return err
			}
			u.Unregister()
			return nil
		}},
		command.Command{Name: "options", Key: 'o', Desc: "Send OPTIONS to <uri>", Handler: func(w io.Writer, args string) error {
			u, err := currentUA(uag)
			if err != nil {
				return err
			}
			return u.OptionsSend(args, func(res *ua.Result) {
				if res.Err != nil {
					fmt.Fprintf(w, "OPTIONS %s: %v\n", args, res.Err)
					return
				}
				fmt.Fprintf(w, "OPTIONS %s: %d %s\n%s\n", args, res.StatusCode, res.Reason, res.Body)
			})
		}},
		command.Command{Name: "loglevel", Desc: "Set log level <level> [prefix]", Handler: func(w io.Writer, args string) error {
			name, prefix, _ := strings.Cut(args, " ")
			level, err := utils.ParseLevel(strings.ToLower(name))
			if err != nil {
				return err
			}
			if prefix = strings.TrimSpace(prefix); prefix != "" {
				return utils.SetLogLevel(prefix, level)
			}
			utils.SetAllLogLevels(level)
			return nil
		}},
		command.Command{Name: "help", Key: 'h', Desc: "Show commands", Handler: func(w io.Writer, _ string) error {
			for _, cmd := range cmds.List() {
				key := " "
				if cmd.Key != 0 {
					key = string(cmd.Key)
				}
				fmt.Fprintf(w, "  %s %-10s %s\n", key, cmd.Name, cmd.Desc)
			}
			return nil
		}},
	)
}
