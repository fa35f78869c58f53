package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/tabdeck/tabdeck/internal/blobstore"
	"github.com/tabdeck/tabdeck/internal/config"
	"github.com/tabdeck/tabdeck/internal/favicon"
	"github.com/tabdeck/tabdeck/internal/logging"
	"github.com/tabdeck/tabdeck/internal/migrate"
	"github.com/tabdeck/tabdeck/internal/models"
	"github.com/tabdeck/tabdeck/internal/remote"
	"github.com/tabdeck/tabdeck/internal/repository"
	"github.com/tabdeck/tabdeck/internal/syncer"
	"github.com/tabdeck/tabdeck/internal/wallpaper"
)

var Version = "dev"

const usage = `tabdeck %s

Usage:
  tabdeck status                    show local state and remote reachability
  tabdeck add <name> <url>          add a shortcut, fetching its favicon
  tabdeck upload [-force]           push local state to the remote store
  tabdeck download [-merge]         pull remote state (overwrite, or merge with -merge)
  tabdeck import-wallpaper <file>   import an image as the local wallpaper
  tabdeck watch                     watch the configured wallpaper file for changes
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, usage, Version)
		return fmt.Errorf("missing command")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := open(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	switch args[0] {
	case "status":
		return app.status(ctx)

	case "add":
		if len(args) < 3 {
			return fmt.Errorf("add: usage: tabdeck add <name> <url>")
		}

		return app.addApp(ctx, args[1], args[2])

	case "upload":
		fs := flag.NewFlagSet("upload", flag.ContinueOnError)
		force := fs.Bool("force", false, "overwrite the remote state without the conflict probe")

		if err := fs.Parse(args[1:]); err != nil {
			return err
		}

		return app.upload(ctx, *force)

	case "download":
		fs := flag.NewFlagSet("download", flag.ContinueOnError)
		merge := fs.Bool("merge", false, "merge remote state into local instead of overwriting")

		if err := fs.Parse(args[1:]); err != nil {
			return err
		}

		return app.download(ctx, *merge)

	case "import-wallpaper":
		if len(args) < 2 {
			return fmt.Errorf("import-wallpaper: missing file argument")
		}

		return app.importWallpaper(args[1])

	case "watch":
		return app.watch(ctx)

	default:
		fmt.Fprintf(os.Stderr, usage, Version)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// app bundles the opened stores and the services hanging off them.
// Everything is an explicit instance wired here; no package state.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	repo  *repository.Repository
	blobs *blobstore.Store

	remote *remote.Client
	syncer *syncer.Syncer
}

func open(cfg *config.Config, logger *slog.Logger) (*app, error) {
	repo, err := repository.Load(cfg.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("opening state: %w", err)
	}

	blobs, err := blobstore.Open(cfg.DataDir)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("opening blob store: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, repo: repo, blobs: blobs}

	if _, err := migrate.Run(repo, blobs, logger); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrating legacy state: %w", err)
	}

	// Environment overrides win over stored credentials, so headless
	// installs can be pointed at a remote without touching settings.
	if cfg.HasRemoteOverride() {
		err := repo.UpdateSettings(models.Settings{
			models.SettingRemoteURL:      cfg.RemoteURL,
			models.SettingRemoteUsername: cfg.RemoteUsername,
			models.SettingRemotePassword: cfg.RemotePassword,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("applying remote override: %w", err)
		}
	}

	var store syncer.RemoteStore

	if url, username, password := repo.Credentials(); url != "" {
		a.remote = remote.NewClient(url, username, password, nil)
		store = a.remote
	}

	a.syncer = syncer.New(repo, blobs, store, logger)

	return a, nil
}

func (a *app) Close() {
	if err := a.blobs.Close(); err != nil {
		a.logger.Warn("closing blob store", slog.String("error", err.Error()))
	}

	if err := a.repo.Close(); err != nil {
		a.logger.Warn("closing state", slog.String("error", err.Error()))
	}
}

func (a *app) status(ctx context.Context) error {
	originID, err := a.repo.OriginID()
	if err != nil {
		return err
	}

	settings := a.repo.Settings()

	fmt.Printf("data dir:    %s\n", a.cfg.DataDir)
	fmt.Printf("origin id:   %s\n", originID)
	fmt.Printf("apps:        %d\n", len(a.repo.Apps()))
	fmt.Printf("engine:      %s\n", settings.String("searchEngine"))

	manager := wallpaper.NewManager(a.blobs, a.logger)

	data, slot, err := manager.Active(settings)
	if err != nil {
		return err
	}

	switch {
	case slot == "":
		fmt.Println("wallpaper:   none")
	case data == nil:
		fmt.Printf("wallpaper:   %s (not cached)\n", slot)
	default:
		fmt.Printf("wallpaper:   %s (%d bytes)\n", slot, len(data))
	}

	switch {
	case a.remote == nil:
		fmt.Println("remote:      not configured")
	case a.remote.CheckConnection(ctx):
		fmt.Println("remote:      reachable")
	default:
		fmt.Println("remote:      unreachable")
	}

	return nil
}

func (a *app) addApp(ctx context.Context, name, pageURL string) error {
	if name == "" {
		return fmt.Errorf("add: name must not be empty")
	}

	shortcut := models.App{
		Name:     name,
		URL:      pageURL,
		IconType: models.IconColor,
		Text:     string([]rune(name)[0]),
	}

	ref, err := favicon.NewFetcher(a.blobs, nil, a.logger).Fetch(ctx, pageURL)
	switch {
	case err == nil:
		shortcut.IconType = models.IconUpload
		shortcut.Img = ref

	case errors.Is(err, favicon.ErrNoFavicon):
		a.logger.Info("no favicon, using text icon", slog.String("url", pageURL))

	default:
		return err
	}

	if err := a.repo.AddApp(shortcut); err != nil {
		return err
	}

	fmt.Printf("added %s (%s)\n", name, pageURL)

	return nil
}

func (a *app) upload(ctx context.Context, force bool) error {
	result, err := a.syncer.Upload(ctx, force)
	if err != nil {
		return err
	}

	if result.Skipped {
		fmt.Println("remote already up to date")
		return nil
	}

	fmt.Printf("uploaded %s (%d assets", result.PayloadHash[:12], result.AssetsUploaded)
	if result.AssetsFailed > 0 {
		fmt.Printf(", %d failed", result.AssetsFailed)
	}
	fmt.Println(")")

	return nil
}

func (a *app) download(ctx context.Context, merge bool) error {
	mode := syncer.ModeOverwrite
	if merge {
		mode = syncer.ModeMerge
	}

	result, err := a.syncer.Download(ctx, mode)
	if err != nil {
		return err
	}

	if result.UpToDate {
		fmt.Println("already up to date")
		return nil
	}

	fmt.Printf("applied %s: %d apps", result.Mode, result.Apps)
	if result.MissingAssets > 0 {
		fmt.Printf(" (%d assets unavailable)", result.MissingAssets)
	}
	fmt.Println()

	return nil
}

func (a *app) importWallpaper(path string) error {
	manager := wallpaper.NewManager(a.blobs, a.logger)

	if err := manager.ImportFile(path); err != nil {
		return err
	}

	// Importing selects the local slot.
	if err := a.repo.UpdateSetting(models.SettingWallpaperSource, wallpaper.SlotLocal); err != nil {
		return err
	}

	fmt.Printf("imported %s as local wallpaper\n", path)

	return nil
}

func (a *app) watch(ctx context.Context) error {
	if a.cfg.WallpaperFile == "" {
		return fmt.Errorf("watch: TABDECK_WALLPAPER_FILE is not set")
	}

	a.logger.Info("watching wallpaper file", slog.String("file", a.cfg.WallpaperFile))

	manager := wallpaper.NewManager(a.blobs, a.logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return manager.Watch(gctx, a.cfg.WallpaperFile)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}
