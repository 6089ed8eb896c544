// Command ocimirror is a small demonstration CLI: it mirrors images
// between registries on a cron schedule, exercising Registry, Repository,
// and CopyEngine end to end. It is deliberately not a general-purpose
// registry client, just a sync-list runner with server/once/check modes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"

	"github.com/ocidist/ocidist/ociclient"
	"github.com/ocidist/ocidist/ociclient/auth"
	"github.com/ocidist/ocidist/ociclient/registry"
)

var rootOpts struct {
	confFile  string
	verbosity string
	jsonLog   bool
}

var (
	cfg        *Config
	log        *logrus.Logger
	authClient *auth.Client
	sem        *semaphore.Weighted
)

var rootCmd = &cobra.Command{
	Use:   "ocimirror <cmd>",
	Short: "Mirror OCI images between registries on a schedule",
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "run continuously, syncing on each step's cron schedule",
	Args:  cobra.NoArgs,
	RunE:  runServer,
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "run every sync step once, in parallel, ignoring schedules",
	Args:  cobra.NoArgs,
	RunE:  runOnce,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "report which sync steps would copy, without copying",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

func init() {
	log = &logrus.Logger{
		Out:       os.Stderr,
		Formatter: &logrus.TextFormatter{FullTimestamp: true},
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.InfoLevel,
	}
	rootCmd.PersistentFlags().StringVarP(&rootOpts.confFile, "config", "c", "", "sync-list config file (\"-\" for stdin)")
	rootCmd.PersistentFlags().StringVarP(&rootOpts.verbosity, "verbosity", "v", logrus.InfoLevel.String(), "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&rootOpts.jsonLog, "log-json", false, "emit JSON-formatted logs")
	_ = rootCmd.MarkPersistentFlagRequired("config")

	rootCmd.AddCommand(serverCmd, onceCmd, checkCmd)
	rootCmd.PersistentPreRunE = rootPreRun
}

func rootPreRun(cmd *cobra.Command, args []string) error {
	lvl, err := logrus.ParseLevel(rootOpts.verbosity)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	if rootOpts.jsonLog {
		log.Formatter = new(logrus.JSONFormatter)
	}

	cfg, err = loadConfig(rootOpts.confFile)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{"parallel": cfg.Defaults.Parallel}).Debug("configuring parallel sync limit")
	sem = semaphore.NewWeighted(int64(cfg.Defaults.Parallel))

	authClient = auth.NewClient()
	authClient.Log = log
	if !cfg.Defaults.SkipDockerConf {
		authClient.Credentials = auth.NewDockerConfigCredentialProvider()
	}
	if cfg.Defaults.HTTP2 {
		h2Client, err := auth.NewHTTP2Client()
		if err != nil {
			return fmt.Errorf("configuring http2 transport: %w", err)
		}
		authClient.HTTPClient = h2Client
	}
	return nil
}

func runOnce(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchInterrupt(cancel)

	var wg sync.WaitGroup
	errs := make(chan error, len(cfg.Sync))
	for _, step := range cfg.Sync {
		step := step
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				errs <- err
				return
			}
			defer sem.Release(1)
			errs <- runStep(ctx, step, false)
		}()
	}
	wg.Wait()
	close(errs)
	return firstErr(errs)
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	var mainErr error
	for _, step := range cfg.Sync {
		if err := runStep(ctx, step, true); err != nil && mainErr == nil {
			mainErr = err
		}
	}
	return mainErr
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	var mu sync.Mutex
	var mainErr error

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	for _, step := range cfg.Sync {
		step := step
		sched := step.Schedule
		if sched == "" && step.Interval != 0 {
			sched = "@every " + step.Interval.String()
		}
		if sched == "" {
			log.WithFields(logrus.Fields{"source": step.Source, "target": step.Target}).
				Error("no schedule or interval, skipping")
			continue
		}
		if _, err := c.AddFunc(sched, func() {
			wg.Add(1)
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)
			if err := runStep(ctx, step, false); err != nil {
				mu.Lock()
				if mainErr == nil {
					mainErr = err
				}
				mu.Unlock()
			}
		}); err != nil {
			return fmt.Errorf("scheduling %q: %w", sched, err)
		}
	}
	c.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Debug("interrupt received, stopping")
	c.Stop()
	cancel()
	wg.Wait()
	return mainErr
}

func watchInterrupt(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()
}

func firstErr(errs <-chan error) error {
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// runStep resolves source and, if applicable, every tag in a bare-repo
// reference, mirroring each into the target. When src/tgt both name a
// tag or digest, it copies exactly that one reference.
func runStep(ctx context.Context, step SyncStep, dryRun bool) error {
	srcRef, err := ociclient.ParseReference(step.Source)
	if err != nil {
		return fmt.Errorf("parsing source %q: %w", step.Source, err)
	}
	tgtRef, err := ociclient.ParseReference(step.Target)
	if err != nil {
		return fmt.Errorf("parsing target %q: %w", step.Target, err)
	}

	opts := []registry.RepositoryOpt{registry.WithPlainHTTP(cfg.Defaults.PlainHTTP)}
	srcRepo := registry.NewRepository(authClient, srcRef, opts...)
	tgtRepo := registry.NewRepository(authClient, tgtRef, opts...)

	if srcRef.ContentReference() != "" {
		return mirrorOne(ctx, srcRepo, srcRef.ContentReference(), tgtRepo, tgtRef.ContentReference(), dryRun)
	}

	return srcRepo.Tags(ctx, "", func(tags []string) error {
		for _, tag := range tags {
			if err := mirrorOne(ctx, srcRepo, tag, tgtRepo, tag, dryRun); err != nil {
				return err
			}
		}
		return nil
	})
}

func mirrorOne(ctx context.Context, srcRepo *registry.Repository, srcContentRef string, tgtRepo *registry.Repository, tgtContentRef string, dryRun bool) error {
	fields := logrus.Fields{
		"source": srcRepo.Reference().String() + ":" + srcContentRef,
		"target": tgtRepo.Reference().String() + ":" + tgtContentRef,
	}

	srcDesc, err := srcRepo.Resolve(ctx, srcContentRef)
	if err != nil {
		log.WithFields(fields).WithError(err).Error("failed resolving source")
		return err
	}
	if tgtDesc, err := tgtRepo.Resolve(ctx, tgtContentRef); err == nil && ociclient.DigestsEqual(string(srcDesc.Digest), string(tgtDesc.Digest)) {
		log.WithFields(fields).Debug("already in sync")
		return nil
	}

	log.WithFields(fields).Info("sync needed")
	if dryRun {
		return nil
	}

	engine := registry.NewCopyEngine(srcRepo, tgtRepo)
	if _, err := engine.Copy(ctx, srcContentRef, tgtContentRef); err != nil {
		log.WithFields(fields).WithError(err).Error("copy failed")
		return err
	}
	return nil
}
