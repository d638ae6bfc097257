package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/abiosoft/ishell"

	"i4.energy/across/tracker/modem"
)

const shellTimeout = 5 * time.Second

var errUsage = errors.New("wrong number of arguments")

type shellCommand struct {
	PowerOn bool `long:"power-on" description:"Power the modem on before starting the console"`
}

func (c *shellCommand) Execute(args []string) error {
	config, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	m, closeModem, err := openModem(ctx, config, logger)
	if err != nil {
		return err
	}
	defer closeModem()

	if c.PowerOn || config.Simulate {
		if err := m.SetPower(ctx, modem.PowerOn); err != nil {
			return fmt.Errorf("power on modem: %w", err)
		}
	}

	sh := newShell(ctx, m, os.Stdout)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-m.Events():
				sh.Printf("* %s %s\n", e.Kind, eventDetail(e))
			}
		}
	}()
	sh.Println("SIM908 console. Type help for commands.")
	sh.Run()
	sh.Close()
	return nil
}

func eventDetail(e modem.Event) string {
	switch e.Kind {
	case modem.EventStateChanged:
		return e.State.String()
	case modem.EventSMSReceived:
		return strconv.Itoa(e.Index)
	}
	return ""
}

// newShell builds the console commands around m. Output goes to out.
func newShell(ctx context.Context, m *modem.Modem, out io.Writer) *ishell.Shell {
	sh := ishell.New()
	sh.SetOut(out)
	sh.SetPrompt("modem> ")

	sh.AddCmd(&ishell.Cmd{
		Name: "at",
		Help: "send an AT command and print the answer",
		Func: func(c *ishell.Context) {
			if len(c.Args) == 0 {
				c.Err(errUsage)
				return
			}
			cmd := strings.Join(c.Args, " ")
			if !strings.HasPrefix(strings.ToUpper(cmd), "AT") {
				cmd = "AT" + cmd
			}
			lines, err := m.Query(ctx, cmd, shellTimeout)
			for _, l := range lines {
				c.Println(l)
			}
			c.Println(modem.ReplyOf(err))
		},
	})

	sh.AddCmd(&ishell.Cmd{
		Name: "state",
		Help: "show the modem session",
		Func: func(c *ishell.Context) {
			out, err := json.MarshalIndent(m.Snapshot(), "", "  ")
			if err != nil {
				c.Err(err)
				return
			}
			c.Println(string(out))
		},
	})

	sh.AddCmd(&ishell.Cmd{
		Name: "wait",
		Help: "wait <regexp> [seconds]: wait for a pattern on the line",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 1 || len(c.Args) > 2 {
				c.Err(errUsage)
				return
			}
			timeout := shellTimeout
			if len(c.Args) == 2 {
				s, err := strconv.Atoi(c.Args[1])
				if err != nil {
					c.Err(err)
					return
				}
				timeout = time.Duration(s) * time.Second
			}
			line, err := m.WaitForCopy(ctx, c.Args[0], timeout)
			if err != nil {
				c.Err(err)
				return
			}
			c.Println(line)
		},
	})

	power := &ishell.Cmd{Name: "power", Help: "switch the modem power"}
	for name, state := range map[string]modem.PowerState{
		"on":     modem.PowerOn,
		"off":    modem.PowerOff,
		"cutoff": modem.PowerCutOff,
	} {
		state := state
		power.AddCmd(&ishell.Cmd{
			Name: name,
			Help: "power " + state.String(),
			Func: func(c *ishell.Context) {
				if err := m.SetPower(ctx, state); err != nil {
					c.Err(err)
					return
				}
				c.Println(m.State())
			},
		})
	}
	power.AddCmd(&ishell.Cmd{
		Name: "reset",
		Help: "power cycle the modem",
		Func: func(c *ishell.Context) {
			if err := m.Reset(ctx); err != nil {
				c.Err(err)
				return
			}
			c.Println(m.State())
		},
	})
	sh.AddCmd(power)

	sh.AddCmd(&ishell.Cmd{
		Name: "pin",
		Help: "pin <code>: unlock the SIM",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(errUsage)
				return
			}
			if err := m.SendPIN(ctx, c.Args[0]); err != nil {
				c.Err(err)
				return
			}
			c.Println("OK")
		},
	})

	sms := &ishell.Cmd{Name: "sms", Help: "send, read and delete text messages"}
	sms.AddCmd(&ishell.Cmd{
		Name: "send",
		Help: "sms send <number> <text...>",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 2 {
				c.Err(errUsage)
				return
			}
			ref, err := m.SendSMS(ctx, c.Args[0], strings.Join(c.Args[1:], " "))
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("sent, reference %d\n", ref)
		},
	})
	sms.AddCmd(&ishell.Cmd{
		Name: "read",
		Help: "sms read <index>",
		Func: func(c *ishell.Context) {
			index, err := indexArg(c.Args)
			if err != nil {
				c.Err(err)
				return
			}
			msg, err := m.ReadSMS(ctx, index)
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("%s from %s at %s\n%s\n", msg.Status, msg.Sender, msg.Time, msg.Text)
		},
	})
	sms.AddCmd(&ishell.Cmd{
		Name: "delete",
		Help: "sms delete <index>",
		Func: func(c *ishell.Context) {
			index, err := indexArg(c.Args)
			if err != nil {
				c.Err(err)
				return
			}
			if err := m.DeleteSMS(ctx, index); err != nil {
				c.Err(err)
				return
			}
			c.Println("OK")
		},
	})
	sh.AddCmd(sms)

	gprs := &ishell.Cmd{Name: "gprs", Help: "open or close the packet data bearer"}
	gprs.AddCmd(&ishell.Cmd{
		Name: "on",
		Func: func(c *ishell.Context) {
			if err := m.EnableGPRS(ctx); err != nil {
				c.Err(err)
				return
			}
			c.Println("bearer up")
		},
	})
	gprs.AddCmd(&ishell.Cmd{
		Name: "off",
		Func: func(c *ishell.Context) {
			if err := m.DisableGPRS(ctx); err != nil {
				c.Err(err)
				return
			}
			c.Println("bearer down")
		},
	})
	sh.AddCmd(gprs)

	sh.AddCmd(&ishell.Cmd{
		Name: "get",
		Help: "get <url>: HTTP GET through the modem",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(errUsage)
				return
			}
			resp, err := m.HTTPGet(ctx, c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("%d\n%s\n", resp.Status, resp.Body)
		},
	})

	return sh
}

func indexArg(args []string) (int, error) {
	if len(args) != 1 {
		return 0, errUsage
	}
	return strconv.Atoi(args[0])
}
