package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-uzzap/internal/api"
	"github.com/npezzotti/go-uzzap/internal/config"
	"github.com/npezzotti/go-uzzap/internal/database"
	"github.com/npezzotti/go-uzzap/internal/realtime"
	"github.com/npezzotti/go-uzzap/internal/roomsync"
	"github.com/npezzotti/go-uzzap/internal/session"
	"github.com/npezzotti/go-uzzap/internal/stats"
	"github.com/npezzotti/go-uzzap/internal/types"
)

var version = "dev"

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*s = append(*s, v)
		}
	}
	return nil
}

type options struct {
	backendURL     string
	apiKey         string
	dsn            string
	addr           string
	identityPath   string
	allowedOrigins stringSliceFlag
}

func main() {
	_ = godotenv.Load()

	logger := log.New(os.Stderr, "[uzzap] ", log.LstdFlags)

	if err := run(os.Args[1:], os.Stdin, os.Stdout, logger); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultIdentityPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "uzzap", "identity.json")
}

func parseOptions(args []string, out io.Writer) (*options, []string, error) {
	opts := &options{}

	fs := flag.NewFlagSet("uzzap", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&opts.backendURL, "url", envOr("UZZAP_URL", ""), "backend project URL")
	fs.StringVar(&opts.apiKey, "key", envOr("UZZAP_API_KEY", ""), "backend anonymous API key")
	fs.StringVar(&opts.dsn, "dsn", envOr("UZZAP_DATABASE_DSN", ""), "postgres connection string; queries go through the REST API when empty")
	fs.StringVar(&opts.addr, "addr", envOr("UZZAP_ADDR", config.DefaultListenAddr), "listen address for serve")
	fs.StringVar(&opts.identityPath, "identity", envOr("UZZAP_IDENTITY", defaultIdentityPath()), "file holding the local identity")
	fs.Var(&opts.allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	fs.Usage = func() { printUsage(out) }

	if v := os.Getenv("UZZAP_ALLOWED_ORIGINS"); v != "" {
		_ = opts.allowedOrigins.Set(v)
	}

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	return opts, fs.Args(), nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, titleStyle.Render("uzzap")+" "+dimStyle.Render(version))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "usage: uzzap [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  rooms [-q query] [-tab popular|recent|active|all] [-watch]")
	fmt.Fprintln(w, "  chat <room-id>")
	fmt.Fprintln(w, "  create-room -name <name> -region <code> [-province <name>] [-description <text>]")
	fmt.Fprintln(w, "  buddies [-online] <username>")
	fmt.Fprintln(w, "  whoami")
	fmt.Fprintln(w, "  set-username <name>")
	fmt.Fprintln(w, "  serve")
	fmt.Fprintln(w, "  migrate")
	fmt.Fprintln(w, "  version")
}

func run(args []string, in io.Reader, out io.Writer, logger *log.Logger) error {
	opts, rest, err := parseOptions(args, out)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	if len(rest) == 0 {
		printUsage(out)
		return nil
	}
	cmd, cmdArgs := rest[0], rest[1:]

	switch cmd {
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	case "version":
		fmt.Fprintln(out, "uzzap "+version)
		return nil
	case "whoami", "set-username":
		ident, err := session.Open(opts.identityPath, logger)
		if err != nil {
			return fmt.Errorf("open identity: %w", err)
		}
		if cmd == "whoami" {
			renderIdentity(out, ident.Identity())
			return nil
		}
		return runSetUsername(ident, cmdArgs, out)
	case "rooms", "chat", "create-room", "buddies", "serve", "migrate":
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	cfg, err := config.NewConfig(opts.backendURL, opts.apiKey, opts.dsn, opts.addr, opts.allowedOrigins)
	if err != nil {
		return err
	}

	if cmd == "migrate" {
		return runMigrate(cfg, logger)
	}

	ident, err := session.Open(opts.identityPath, logger)
	if err != nil {
		return fmt.Errorf("open identity: %w", err)
	}

	a, err := newApp(cfg, ident, logger, out)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "rooms":
		return a.runRooms(ctx, cmdArgs)
	case "chat":
		return a.runChat(ctx, cmdArgs, in)
	case "create-room":
		return a.runCreateRoom(ctx, cmdArgs)
	case "buddies":
		return a.runBuddies(ctx, cmdArgs)
	default:
		stop()
		return a.runServe()
	}
}

// app holds the components shared by the commands that talk to the
// backend.
type app struct {
	cfg      *config.Config
	log      *log.Logger
	out      io.Writer
	ident    *session.Store
	repo     database.Repository
	pg       *database.PgRepository
	socket   *realtime.Socket
	stats    *stats.StatsUpdater
	mux      *http.ServeMux
	notifier roomsync.Notifier
}

func newApp(cfg *config.Config, ident *session.Store, logger *log.Logger, out io.Writer) (*app, error) {
	a := &app{
		cfg:      cfg,
		log:      logger,
		out:      out,
		ident:    ident,
		mux:      http.NewServeMux(),
		notifier: newPrintNotifier(out),
	}

	a.stats = stats.NewStatsUpdater(a.mux)
	for _, m := range stats.Metrics {
		a.stats.RegisterMetric(m)
	}
	a.stats.Run()

	if cfg.DatabaseDSN != "" {
		pg, err := database.NewPgRepository(cfg.DatabaseDSN)
		if err != nil {
			a.stats.Stop()
			return nil, fmt.Errorf("db open: %w", err)
		}
		a.pg = pg
		a.repo = pg
	} else {
		a.repo = database.NewRestRepository(cfg.RestURL(), cfg.APIKey, logger)
	}

	a.socket = realtime.NewSocket(cfg.RealtimeURL(), cfg.APIKey, realtime.Options{
		JoinTimeout: cfg.JoinTimeout,
	}, logger, a.stats)

	return a, nil
}

func (a *app) close() {
	if err := a.socket.Close(); err != nil {
		a.log.Println("socket close:", err)
	}
	if a.pg != nil {
		if err := a.pg.Close(); err != nil {
			a.log.Println("db close:", err)
		}
	}
	a.stats.Stop()
}

func (a *app) directory() *roomsync.Directory {
	return roomsync.NewDirectory(a.repo, a.socket, a.notifier, a.log, a.stats)
}

// trackPresence joins the global presence channel and keeps the
// directory's participant counts in step with it until ctx ends.
func (a *app) trackPresence(ctx context.Context, dir *roomsync.Directory) (*roomsync.PresenceTracker, error) {
	tracker := roomsync.NewPresenceTracker(a.socket, a.ident, roomsync.GlobalScope, a.log, a.stats)
	if err := tracker.Join(ctx); err != nil {
		return nil, err
	}
	if dir == nil {
		return tracker, nil
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-tracker.Changes():
				dir.SetPresence(tracker.RoomCounts())
			}
		}
	}()

	return tracker, nil
}

func leave(tracker *roomsync.PresenceTracker, logger *log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracker.Leave(ctx); err != nil {
		logger.Println("leave presence:", err)
	}
}

func (a *app) runRooms(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rooms", flag.ContinueOnError)
	fs.SetOutput(a.out)
	query := fs.String("q", "", "filter by name, province or region")
	tab := fs.String("tab", "", "flat listing ordered for a tab")
	watch := fs.Bool("watch", false, "keep the listing current until interrupted")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dir := a.directory()
	if err := dir.Load(ctx); err != nil {
		return err
	}

	render := func() {
		if *tab != "" {
			t := roomsync.ParseTab(*tab)
			renderTab(a.out, t, roomsync.ByTab(roomsync.FilterRooms(dir.Entries(), *query), t))
			return
		}
		renderView(a.out, dir.View(*query))
	}

	if !*watch {
		render()
		return nil
	}

	if err := a.socket.Connect(ctx); err != nil {
		return err
	}
	if err := dir.Watch(ctx); err != nil {
		return err
	}
	tracker, err := a.trackPresence(ctx, dir)
	if err != nil {
		return err
	}
	defer leave(tracker, a.log)

	render()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-dir.Changes():
			fmt.Fprintln(a.out)
			render()
		}
	}
}

func (a *app) runChat(ctx context.Context, args []string, in io.Reader) error {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return errors.New("usage: uzzap chat <room-id>")
	}
	roomID := args[0]

	dir := a.directory()
	room, err := dir.RoomInfo(ctx, roomID)
	if err != nil {
		return err
	}

	if err := a.socket.Connect(ctx); err != nil {
		return err
	}

	msgs := roomsync.NewMessageSync(a.repo, a.socket, a.ident, a.notifier, a.log, a.stats)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := msgs.Close(closeCtx); err != nil {
			a.log.Println("close room:", err)
		}
	}()
	if err := msgs.Open(ctx, roomID); err != nil {
		a.log.Println(err)
	}

	roomPresence := roomsync.NewPresenceTracker(a.socket, a.ident, roomsync.RoomScope(roomID), a.log, a.stats)
	if err := roomPresence.Join(ctx); err != nil {
		a.log.Println(err)
	}
	defer leave(roomPresence, a.log)

	global, err := a.trackPresence(ctx, nil)
	if err != nil {
		a.log.Println(err)
	} else {
		global.SetRoom(roomID)
		defer leave(global, a.log)
	}

	renderRoomHeader(a.out, room)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	printed := make(map[string]bool)
	flush := func() {
		for _, e := range msgs.Messages() {
			if e.Pending || printed[e.Id] {
				continue
			}
			printed[e.Id] = true
			fmt.Fprintln(a.out, renderEntry(e))
		}
	}
	flush()

	online := -1
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-msgs.Changes():
			flush()
		case <-roomPresence.Changes():
			if n := roomPresence.Count(); n != online {
				online = n
				fmt.Fprintln(a.out, renderOnline(n))
			}
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				return nil
			}
			if err := msgs.Send(ctx, line); err != nil {
				a.log.Println(err)
			}
			flush()
		}
	}
}

func (a *app) runCreateRoom(ctx context.Context, args []string) error {
	var req roomsync.CreateRoomRequest

	fs := flag.NewFlagSet("create-room", flag.ContinueOnError)
	fs.SetOutput(a.out)
	fs.StringVar(&req.Name, "name", "", "room name")
	fs.StringVar(&req.Region, "region", "", "region code")
	fs.StringVar(&req.Province, "province", "", "province within the region")
	fs.StringVar(&req.Description, "description", "", "room description")
	if err := fs.Parse(args); err != nil {
		return err
	}

	room, err := a.directory().CreateRoom(ctx, req)
	if err != nil {
		return err
	}

	renderRoomHeader(a.out, room)
	return nil
}

func (a *app) runBuddies(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("buddies", flag.ContinueOnError)
	fs.SetOutput(a.out)
	withPresence := fs.Bool("online", false, "mark buddies seen on the global presence channel")
	if err := fs.Parse(args); err != nil {
		return err
	}

	b := roomsync.NewBuddies(a.repo, a.notifier, a.log)
	buddies, err := b.Search(ctx, strings.Join(fs.Args(), " "))
	if err != nil {
		return err
	}

	if *withPresence && len(buddies) > 0 {
		online, err := a.onlineSnapshot(ctx)
		if err != nil {
			a.log.Println(err)
		}
		buddies = b.ApplyPresence(buddies, online)
	}

	renderBuddies(a.out, buddies)
	return nil
}

// onlineSnapshot waits briefly for the first presence sync of the global
// channel and returns who it lists.
func (a *app) onlineSnapshot(ctx context.Context) ([]types.Presence, error) {
	if err := a.socket.Connect(ctx); err != nil {
		return nil, err
	}

	tracker := roomsync.NewPresenceTracker(a.socket, a.ident, roomsync.GlobalScope, a.log, a.stats)
	if err := tracker.Join(ctx); err != nil {
		return nil, err
	}
	defer leave(tracker, a.log)

	select {
	case <-tracker.Changes():
	case <-time.After(3 * time.Second):
	case <-ctx.Done():
	}
	return tracker.Online(), nil
}

func runSetUsername(ident *session.Store, args []string, out io.Writer) error {
	if err := ident.SetUsername(strings.Join(args, " ")); err != nil {
		return err
	}
	renderIdentity(out, ident.Identity())
	return nil
}

func runMigrate(cfg *config.Config, logger *log.Logger) error {
	if cfg.DatabaseDSN == "" {
		return errors.New("migrate requires -dsn or UZZAP_DATABASE_DSN")
	}

	db, err := database.NewPgRepository(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return err
	}
	logger.Println("migrations applied")
	return nil
}

func (a *app) runServe() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.socket.Connect(ctx); err != nil {
		return err
	}

	dir := a.directory()
	if err := dir.Load(ctx); err != nil {
		a.log.Println(err)
	}
	if err := dir.Watch(ctx); err != nil {
		return err
	}

	tracker, err := a.trackPresence(ctx, dir)
	if err != nil {
		return err
	}

	msgs := roomsync.NewMessageSync(a.repo, a.socket, a.ident, a.notifier, a.log, a.stats)

	srv := api.NewServer(a.mux, a.log, api.Components{
		Repo:      a.repo,
		Directory: dir,
		Messages:  msgs,
		Presence:  tracker,
		Session:   a.ident,
	}, a.cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		a.log.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		a.log.Println("server:", err)
	}

	shutDownCtx, shutDownCancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer shutDownCancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}

	a.log.Println("closing realtime channels...")
	if err := msgs.Close(shutDownCtx); err != nil {
		a.log.Println("close room:", err)
	}
	if err := tracker.Leave(shutDownCtx); err != nil {
		a.log.Println("leave presence:", err)
	}
	if err := dir.Unwatch(shutDownCtx); err != nil {
		a.log.Println("unwatch rooms:", err)
	}

	a.log.Println("shutdown complete")
	return nil
}
