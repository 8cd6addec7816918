// Command fallgate runs the multi-provider fallback gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/fallgate/internal/config"
	"github.com/roelfdiedericks/fallgate/internal/gateway"
	httpserver "github.com/roelfdiedericks/fallgate/internal/http"
	. "github.com/roelfdiedericks/fallgate/internal/logging"
	"github.com/roelfdiedericks/fallgate/internal/paths"
	"github.com/roelfdiedericks/fallgate/internal/types"
)

// Set by -ldflags "-X main.version=..."
var version = "dev"

// Context is passed to every command's Run.
type Context struct {
	ConfigPath string
	Debug      bool
	JSONLogs   bool
}

// CLI defines the command line.
type CLI struct {
	Config string `short:"c" help:"Config file (default: ./fallgate.json or ~/.fallgate/fallgate.json)" type:"path"`
	Debug  bool   `short:"d" help:"Enable debug logging"`
	JSON   bool   `help:"Log as JSON"`

	Serve     ServeCmd     `cmd:"" default:"1" help:"Run the HTTP gateway"`
	Ask       AskCmd       `cmd:"" help:"Dispatch one prompt and print the envelope"`
	Providers ProvidersCmd `cmd:"" help:"Show provider tier order"`
	Quota     QuotaCmd     `cmd:"" help:"Show a user's usage for today"`
	Init      InitCmd      `cmd:"" help:"Write a starter config"`
	Version   VersionCmd   `cmd:"" help:"Show version"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("fallgate"),
		kong.Description("Tiered fallback gateway for chat, image and video providers"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&Context{ConfigPath: cli.Config, Debug: cli.Debug, JSONLogs: cli.JSON})
	ctx.FatalIfErrorf(err)
}

// loadConfig reads the config and initializes logging from it.
func (c *Context) loadConfig() (*config.Config, error) {
	initLogging(c, "")
	cfg, err := config.Load(c.ConfigPath)
	if err != nil {
		return nil, err
	}
	initLogging(c, cfg.Logging.Level)
	if cfg.Logging.JSON {
		c.JSONLogs = true
		initLogging(c, cfg.Logging.Level)
	}
	return cfg, nil
}

func initLogging(c *Context, level string) {
	lc := DefaultConfig()
	if level != "" {
		lc.Level = ParseLevel(level)
	}
	if c.Debug {
		lc.Level = LevelDebug
	}
	lc.JSON = c.JSONLogs
	Init(lc)
}

// ServeCmd runs the HTTP server until interrupted.
type ServeCmd struct {
	Listen string `help:"Listen address, overrides server.listen"`
}

func (s *ServeCmd) Run(ctx *Context) error {
	cfg, err := ctx.loadConfig()
	if err != nil {
		return err
	}
	if s.Listen != "" {
		cfg.Server.Listen = s.Listen
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := gateway.Build(sigCtx, cfg)
	if err != nil {
		return err
	}
	defer gw.Close()

	srv, err := httpserver.NewServer(&httpserver.ServerConfig{
		Listen:             cfg.Server.Listen,
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		WriteTimeout:       time.Duration(cfg.Server.RequestTimeoutSeconds+30) * time.Second,
	}, gw)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	L_info("fallgate: ready", "version", version, "listen", cfg.Server.Listen)

	<-sigCtx.Done()
	L_info("fallgate: shutting down")
	return srv.Stop()
}

// AskCmd sends one request through the gateway without the HTTP server.
type AskCmd struct {
	Prompt string `arg:"" help:"Prompt text"`
	Kind   string `short:"k" default:"text" enum:"text,chat,image,video" help:"Capability: text, image or video"`
	User   string `short:"u" help:"User key for quota"`
	Fast   bool   `short:"f" help:"Prefer fast providers"`
}

func (a *AskCmd) Run(ctx *Context) error {
	cfg, err := ctx.loadConfig()
	if err != nil {
		return err
	}
	c, err := types.ParseCapability(a.Kind)
	if err != nil {
		return err
	}

	gw, err := gateway.Build(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer gw.Close()

	req := &types.Request{Capability: c, Prompt: a.Prompt, UserKey: a.User}
	if a.Fast {
		req.Modes = []types.Mode{types.ModeFast}
	}
	reply, err := gw.Handle(context.Background(), req)
	if err != nil {
		return err
	}

	fmt.Println(reply.Text)
	fmt.Fprintf(os.Stderr, "mood=%s succeeded=%t provider=%s elapsed=%.2fs\n",
		reply.Mood, reply.Succeeded, orDash(reply.Provider), reply.ElapsedSeconds)
	for _, at := range reply.Attempts {
		status := "ok"
		if at.Reason != "" {
			status = string(at.Reason)
		}
		fmt.Fprintf(os.Stderr, "  tier %d %-20s %s\n", at.Tier, at.Provider, status)
	}
	if !reply.Succeeded {
		os.Exit(1)
	}
	return nil
}

// ProvidersCmd prints the tier order per capability.
type ProvidersCmd struct {
	Fast bool `short:"f" help:"Show the fast view"`
}

func (p *ProvidersCmd) Run(ctx *Context) error {
	cfg, err := ctx.loadConfig()
	if err != nil {
		return err
	}
	d, err := gateway.NewDispatcher(cfg)
	if err != nil {
		return err
	}

	var modes []types.Mode
	if p.Fast {
		modes = []types.Mode{types.ModeFast}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CAPABILITY\tORDER\tTIER\tNAME\tTAGS\tKEYS")
	for _, c := range types.Capabilities {
		for i, prov := range d.Registry().ListFor(c, modes) {
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%d\n", c, i+1, prov.Tier, prov.Name, orDash(strings.Join(prov.Tags, ",")), len(prov.Credentials))
		}
	}
	return w.Flush()
}

// QuotaCmd prints today's counter for a user.
type QuotaCmd struct {
	User string `short:"u" required:"" help:"User key (email)"`
	Kind string `short:"k" default:"image" enum:"image,video" help:"Resource kind"`
}

func (q *QuotaCmd) Run(ctx *Context) error {
	cfg, err := ctx.loadConfig()
	if err != nil {
		return err
	}
	gw, err := gateway.Build(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer gw.Close()

	u, err := gw.Usage(context.Background(), q.User, types.ResourceKind(q.Kind))
	if err != nil {
		return err
	}
	limit := fmt.Sprintf("%d", u.Limit)
	if u.Unlimited {
		limit = "unlimited"
	}
	fmt.Printf("%s %s %s: %d used, limit %s\n", u.Date, u.User, u.Kind, u.Count, limit)
	return nil
}

// InitCmd writes a starter config.
type InitCmd struct {
	Path  string `help:"Where to write (default ~/.fallgate/fallgate.json)" type:"path"`
	Force bool   `help:"Overwrite an existing config, keeping backups"`
}

func (i *InitCmd) Run(ctx *Context) error {
	initLogging(ctx, "")
	path := i.Path
	if path == "" {
		p, err := paths.DefaultConfigPath()
		if err != nil {
			return err
		}
		path = p
	}

	_, statErr := os.Stat(path)
	switch {
	case statErr == nil && !i.Force:
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	case statErr == nil:
		if err := config.BackupAndWriteJSON(path, config.Sample(), 0); err != nil {
			return err
		}
	case errors.Is(statErr, os.ErrNotExist):
		if err := paths.EnsureParentDir(path); err != nil {
			return err
		}
		if err := config.AtomicWriteJSON(path, config.Sample(), 0600); err != nil {
			return err
		}
	default:
		return statErr
	}

	fmt.Printf("Wrote %s\nSet the referenced API keys in your environment or a .env file next to it.\n", path)
	return nil
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (v *VersionCmd) Run(ctx *Context) error {
	fmt.Printf("fallgate %s\n", version)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
