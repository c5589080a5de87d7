// Command childbook runs the illustration pipeline steps from a terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"github.com/inkwell/childbook/internal/auth"
	"github.com/inkwell/childbook/internal/billing"
	"github.com/inkwell/childbook/internal/client"
	"github.com/inkwell/childbook/internal/config"
	"github.com/inkwell/childbook/internal/model"
	"github.com/inkwell/childbook/internal/pipeline"
	"github.com/inkwell/childbook/internal/service"
	"github.com/inkwell/childbook/internal/store"
)

const usage = `usage: childbook <command> [flags]

commands:
  gen                 generate scenes from the retry or gen manifest
  upscale             upscale generated images and sort them by style
  ppi                 scale images and stamp print density
  organize style      sort images into style folders
  organize project    move images into project folders
  fix                 copy images listed in the fix manifest
  crop                cut inpaint tiles out of upscaled images
  paste               paste repaired tiles back
  instance status     show the rented instance
  instance stop       stop the rented instance
  token               print an API token for the server

run "childbook <command> -h" for flags
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
			fmt.Fprint(os.Stderr, usage)
		}
		if !errors.Is(err, flag.ErrHelp) {
			log.Printf("Error: %v", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, args := args[0], args[1:]

	switch cmd {
	case "gen":
		return runGen(ctx, args, out)
	case "upscale":
		return runUpscale(ctx, args, out)
	case "ppi":
		return runPPI(args, out)
	case "organize":
		return runOrganize(args, out)
	case "fix":
		return runFix(args, out)
	case "crop":
		return runCrop(args, out)
	case "paste":
		return runPaste(args, out)
	case "instance":
		return runInstance(ctx, args, out)
	case "token":
		return runToken(args, out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	config string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.config, "config", "", "config file (default ./config.yaml or ./config/config.yaml)")
}

func (c *commonFlags) load() (*config.Config, error) {
	cfg, err := config.LoadFrom(c.config)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// remoteFlags control instance acquisition for gen and upscale.
type remoteFlags struct {
	commonFlags
	url         string
	noProvision bool
	keep        bool
	machine     string
}

func (r *remoteFlags) register(fs *flag.FlagSet) {
	r.commonFlags.register(fs)
	fs.StringVar(&r.url, "url", "", "use this instance URL instead of discovering one")
	fs.BoolVar(&r.noProvision, "no-provision", false, "fail instead of launching a new instance")
	fs.BoolVar(&r.keep, "keep", false, "leave the instance running afterwards")
	fs.StringVar(&r.machine, "machine", "", "machine type override (medium, large, xlarge, 2xlarge, 2xlarge_plus)")
}

func (r *remoteFlags) options() pipeline.RemoteOptions {
	return pipeline.RemoteOptions{
		ExplicitURL: r.url,
		NoProvision: r.noProvision,
		KeepAlive:   r.keep,
		Machine:     r.machine,
	}
}

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

// remoteEnv holds everything a remote batch needs.
type remoteEnv struct {
	cfg       *config.Config
	instances *service.InstanceService
	pipeline  *pipeline.Pipeline
	closeFn   func()
}

func (e *remoteEnv) Close() {
	if e.closeFn != nil {
		e.closeFn()
	}
}

// newRemoteEnv wires the provider, handle store and workflow services.
// Credentials are checked before anything talks to the network.
func newRemoteEnv(cfg *config.Config) (*remoteEnv, error) {
	if err := cfg.RunComfy.RequireCredentials(); err != nil {
		return nil, err
	}

	env := &remoteEnv{cfg: cfg}
	var handles store.HandleStore = store.NewFileStore(cfg.Instance.StateFile)
	if cfg.Instance.Store == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		env.closeFn = func() { rdb.Close() }
		handles = store.NewRedisStore(rdb, cfg.Instance.RedisKey)
	}

	provider := client.NewRunComfyClient(&cfg.RunComfy)
	env.instances = service.NewInstanceService(provider, handles, cfg.Instance.ProvisionTimeout)

	workflow := service.NewWorkflowService(client.NewComfyClient(cfg.RunComfy.APIToken), &cfg.Workflow)
	generator := service.NewGenerateService(workflow, cfg)
	env.pipeline = pipeline.New(cfg, env.instances, generator, afero.NewOsFs())
	return env, nil
}

func localPipeline(cfg *config.Config) *pipeline.Pipeline {
	return pipeline.New(cfg, nil, nil, afero.NewOsFs())
}

func runGen(ctx context.Context, args []string, out io.Writer) error {
	var f remoteFlags
	fs := newFlagSet("gen", out)
	f.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := f.load()
	if err != nil {
		return err
	}
	env, err := newRemoteEnv(cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	res, err := env.pipeline.GenerateFromManifest(ctx, f.options())
	printResult(out, "gen", res)
	return err
}

func runUpscale(ctx context.Context, args []string, out io.Writer) error {
	var f remoteFlags
	fs := newFlagSet("upscale", out)
	f.register(fs)
	src := fs.String("src", "", "source folder (default paths.upscale_source)")
	dst := fs.String("out", "", "output folder (default paths.upscale_output)")
	noOrganize := fs.Bool("no-organize", false, "leave outputs unsorted")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := f.load()
	if err != nil {
		return err
	}
	env, err := newRemoteEnv(cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	res, err := env.pipeline.Upscale(ctx, orDefault(*src, cfg.Paths.UpscaleSource), orDefault(*dst, cfg.Paths.UpscaleOutput), !*noOrganize, f.options())
	printResult(out, "upscale", res)
	return err
}

func runPPI(args []string, out io.Writer) error {
	var f commonFlags
	fs := newFlagSet("ppi", out)
	f.register(fs)
	src := fs.String("src", "", "source folder (default paths.ppi_source)")
	dst := fs.String("out", "", "output folder (default paths.ppi_output)")
	temp := fs.String("temp", "", "scratch folder (default paths.ppi_temp)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := f.load()
	if err != nil {
		return err
	}
	res, err := localPipeline(cfg).PPI(
		orDefault(*src, cfg.Paths.PPISource),
		orDefault(*dst, cfg.Paths.PPIOutput),
		orDefault(*temp, cfg.Paths.PPITemp),
	)
	printResult(out, "ppi", res)
	return err
}

func runOrganize(args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: organize needs style or project", errUsage)
	}
	mode, args := args[0], args[1:]

	var f commonFlags
	fs := newFlagSet("organize "+mode, out)
	f.register(fs)
	src := fs.String("src", "", "folder to organize")
	dst := fs.String("out", "", "destination root (project mode)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := f.load()
	if err != nil {
		return err
	}
	p := localPipeline(cfg)

	var res *model.RunResult
	switch mode {
	case "style":
		res, err = p.OrganizeByStyle(orDefault(*src, cfg.Paths.StyleSource))
	case "project":
		res, err = p.OrganizeByProject(orDefault(*src, cfg.Paths.ProjectSource), orDefault(*dst, cfg.Paths.ProjectOutput))
	default:
		return fmt.Errorf("%w: unknown organize mode %q", errUsage, mode)
	}
	printResult(out, "organize "+mode, res)
	return err
}

func runFix(args []string, out io.Writer) error {
	var f commonFlags
	fs := newFlagSet("fix", out)
	f.register(fs)
	manifestPath := fs.String("manifest", "", "fix manifest (default paths.fix_manifest)")
	src := fs.String("src", "", "folder to search (default paths.upscale_output)")
	dst := fs.String("out", "", "destination (default paths.fix_output)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := f.load()
	if err != nil {
		return err
	}
	res, err := localPipeline(cfg).Fix(
		orDefault(*manifestPath, cfg.Paths.FixManifest),
		orDefault(*src, cfg.Paths.UpscaleOutput),
		orDefault(*dst, cfg.Paths.FixOutput),
	)
	printResult(out, "fix", res)
	return err
}

func runCrop(args []string, out io.Writer) error {
	var f commonFlags
	fs := newFlagSet("crop", out)
	f.register(fs)
	manifestPath := fs.String("manifest", "", "inpaint manifest (default paths.inpaint_manifest)")
	src := fs.String("src", "", "upscaled images (default paths.crop_source)")
	dst := fs.String("out", "", "tile folder (default paths.crop_output)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := f.load()
	if err != nil {
		return err
	}
	res, err := localPipeline(cfg).Crop(
		orDefault(*manifestPath, cfg.Paths.InpaintManifest),
		orDefault(*src, cfg.Paths.CropSource),
		orDefault(*dst, cfg.Paths.CropOutput),
	)
	printResult(out, "crop", res)
	return err
}

func runPaste(args []string, out io.Writer) error {
	var f commonFlags
	fs := newFlagSet("paste", out)
	f.register(fs)
	manifestPath := fs.String("manifest", "", "inpaint manifest (default paths.inpaint_manifest)")
	tiles := fs.String("tiles", "", "repaired tiles (default paths.paste_source)")
	target := fs.String("target", "", "images to patch in place (default paths.paste_output)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := f.load()
	if err != nil {
		return err
	}
	res, err := localPipeline(cfg).Paste(
		orDefault(*manifestPath, cfg.Paths.InpaintManifest),
		orDefault(*tiles, cfg.Paths.PasteSource),
		orDefault(*target, cfg.Paths.PasteOutput),
	)
	printResult(out, "paste", res)
	return err
}

func runInstance(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: instance needs status or stop", errUsage)
	}
	action, args := args[0], args[1:]

	var f commonFlags
	fs := newFlagSet("instance "+action, out)
	f.register(fs)
	url := fs.String("url", "", "instance URL to stop (stop only)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := f.load()
	if err != nil {
		return err
	}
	env, err := newRemoteEnv(cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	switch action {
	case "status":
		st, err := env.instances.Status(ctx)
		if err != nil {
			return err
		}
		printStatus(out, st)
		return nil
	case "stop":
		var handle *model.InstanceHandle
		if *url != "" {
			handle = &model.InstanceHandle{URL: *url}
		}
		if err := env.instances.Teardown(ctx, handle); err != nil {
			return err
		}
		fmt.Fprintln(out, "instance stopped")
		return nil
	default:
		return fmt.Errorf("%w: unknown instance action %q", errUsage, action)
	}
}

func runToken(args []string, out io.Writer) error {
	var f commonFlags
	fs := newFlagSet("token", out)
	f.register(fs)
	operator := fs.String("operator", "", "operator id carried in the token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *operator == "" {
		return fmt.Errorf("%w: -operator is required", errUsage)
	}

	cfg, err := f.load()
	if err != nil {
		return err
	}
	ttl := time.Duration(cfg.JWT.Expiration) * time.Hour
	tok, err := auth.IssueToken(*operator, cfg.JWT.Secret, ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintln(out, tok)
	return nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func printResult(out io.Writer, step string, res *model.RunResult) {
	if res == nil {
		return
	}
	fmt.Fprintf(out, "%s: %d processed, %d skipped, %d failed\n", step, res.Processed, len(res.Skipped), len(res.Failed))
	for _, name := range res.Failed {
		fmt.Fprintf(out, "  failed: %s\n", name)
	}
	if res.Billing != nil {
		fmt.Fprintln(out, billing.Summary(res.Billing))
	}
}

func printStatus(out io.Writer, st *model.InstanceStatusResponse) {
	if st.Handle == nil {
		fmt.Fprintln(out, "no saved instance")
	} else {
		fmt.Fprintf(out, "saved instance: %s (%s) %s\n", st.Handle.URL, st.Handle.ServerID, st.Handle.Status)
	}
	if len(st.Servers) == 0 {
		fmt.Fprintln(out, "no servers")
		return
	}
	for _, s := range st.Servers {
		fmt.Fprintf(out, "server %s: %s\n", s.ServerID, s.CurrentStatus)
	}
}
