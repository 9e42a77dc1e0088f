// Command probe is the LinkMind agent users run on their own machines. It
// enrolls with a coordinator through the device-code flow, then holds a
// subscription to the coordinator's event stream and executes scrape
// requests locally, where logged-in browser sessions live.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"goa.design/clue/log"

	"github.com/linkmind/linkmind/features/scrape"
	"github.com/linkmind/linkmind/features/scrape/chrome"
	"github.com/linkmind/linkmind/features/scrape/twitter"
	"github.com/linkmind/linkmind/probe"
	"github.com/linkmind/linkmind/runtime/telemetry"
)

type stateOpts struct {
	StateDir string `long:"state-dir" env:"LINKMIND_STATE_DIR" description:"Probe state directory (default ~/.linkmind)"`
}

func (o stateOpts) dir() (probe.StateDir, error) {
	if o.StateDir != "" {
		return probe.StateDir(o.StateDir), nil
	}
	return probe.DefaultStateDir()
}

type cmdLogin struct {
	stateOpts
	APIBase string `long:"api-base" required:"true" description:"Coordinator base URL, e.g. https://linkmind.example.com"`
}

func (c *cmdLogin) Execute([]string) error {
	dir, err := c.dir()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := probe.Login(ctx, http.DefaultClient, c.APIBase, os.Stdout)
	if err != nil {
		return err
	}
	if err := dir.SaveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("Probe connected as user %d.\n", cfg.UserID)
	return nil
}

type cmdRun struct {
	stateOpts
	Foreground bool   `long:"foreground" short:"f" description:"Run in the foreground instead of daemonizing"`
	TwitterCLI string `long:"twitter-cli" env:"LINKMIND_TWITTER_CLI" default:"linkmind-tweet" description:"Command that prints a tweet URL's content as JSON"`
	Debug      bool   `long:"debug" description:"Log debug messages"`
}

func (c *cmdRun) Execute([]string) error {
	dir, err := c.dir()
	if err != nil {
		return err
	}
	if !c.Foreground {
		args := []string{"run", "--foreground", "--state-dir", string(dir), "--twitter-cli", c.TwitterCLI}
		if c.Debug {
			args = append(args, "--debug")
		}
		pid, err := probe.Daemonize(dir, args...)
		if errors.Is(err, probe.ErrAlreadyRunning) {
			return fmt.Errorf("probe is already running (pid %d)", pid)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Probe started (pid %d), logging to %s.\n", pid, dir.LogPath())
		return nil
	}

	cfg, err := dir.LoadConfig()
	if errors.Is(err, probe.ErrNotLoggedIn) {
		return errors.New("not logged in, run: probe login --api-base URL")
	}
	if err != nil {
		return err
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if c.Debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dir.WritePID(os.Getpid()); err != nil {
		return err
	}
	defer func() { _ = dir.RemovePID() }()

	logger := telemetry.NewClueLogger()
	tweet, err := twitter.New(twitter.Options{Command: c.TwitterCLI})
	if err != nil {
		return err
	}
	web, err := scrape.New(scrape.Options{Fetcher: chrome.New(chrome.Options{}), Logger: logger})
	if err != nil {
		return err
	}
	agent, err := probe.New(probe.Options{
		Config: cfg,
		Web:    web,
		Tweet:  probe.ScraperFunc(tweet.Fetch),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	log.Printf(ctx, "probe running against %s as user %d", cfg.APIBase, cfg.UserID)
	err = agent.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Printf(ctx, "probe stopped")
		return nil
	}
	return err
}

type cmdStop struct {
	stateOpts
}

func (c *cmdStop) Execute([]string) error {
	dir, err := c.dir()
	if err != nil {
		return err
	}
	pid, err := probe.Stop(dir)
	if errors.Is(err, probe.ErrNotRunning) {
		fmt.Println("Probe is not running.")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("Probe stopped (pid %d).\n", pid)
	return nil
}

type cmdStatus struct {
	stateOpts
}

func (c *cmdStatus) Execute([]string) error {
	dir, err := c.dir()
	if err != nil {
		return err
	}
	pid, err := dir.ReadPID()
	if errors.Is(err, probe.ErrNotRunning) {
		fmt.Println("Probe is not running.")
		return nil
	}
	if err != nil {
		return err
	}
	if !probe.Alive(pid) {
		fmt.Println("Probe is not running.")
		return nil
	}
	fmt.Printf("Probe is running (pid %d).\n", pid)
	return nil
}

type cmdLogout struct {
	stateOpts
}

func (c *cmdLogout) Execute([]string) error {
	dir, err := c.dir()
	if err != nil {
		return err
	}
	if err := dir.Logout(); err != nil {
		return err
	}
	fmt.Println("Logged out.")
	return nil
}

func main() {
	parser := flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	_, _ = parser.AddCommand("login", "Connect this probe to a coordinator", `
Run the device-code enrollment: the command prints a verification URL and a
short code, then waits until the code is confirmed in a browser session.
`, &cmdLogin{})

	_, _ = parser.AddCommand("run", "Start the probe", `
Subscribe to the coordinator's event stream and execute scrape requests with
local fetchers. Detaches into the background unless --foreground is given.
`, &cmdRun{})

	_, _ = parser.AddCommand("stop", "Stop the background probe", "", &cmdStop{})

	_, _ = parser.AddCommand("status", "Report whether the probe is running", "", &cmdStatus{})

	_, _ = parser.AddCommand("logout", "Forget the enrollment token", "", &cmdLogout{})

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) {
			if flagsErr.Type == flags.ErrHelp {
				fmt.Println(err)
				return
			}
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "probe:", err)
		os.Exit(1)
	}
}
