package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	dishcounter "github.com/menta2k/dish-counter"
	"github.com/menta2k/dish-counter/internal/api"
	"github.com/menta2k/dish-counter/internal/config"
	"github.com/menta2k/dish-counter/internal/telegram"
	"github.com/menta2k/dish-counter/internal/utils"
	"github.com/menta2k/dish-counter/pkg/types"
	"github.com/menta2k/dish-counter/pkg/workflow"
)

type options struct {
	mode, cfgPath, in, outDir, crop string
	modelIdx, size                  int
	conf, nms                       float64
	labels, saveConfig, version     bool
}

type opener func(*config.Config) (*dishcounter.Pipeline, error)

func main() {
	var o options
	flag.StringVar(&o.mode, "mode", "serve", "run mode: serve|bot|run")
	flag.StringVar(&o.cfgPath, "config", config.GetConfigPath(), "JSON configuration file")
	flag.BoolVar(&o.saveConfig, "save-config", false, "write the effective configuration to -config and exit")
	flag.BoolVar(&o.version, "version", false, "print the version and exit")

	flag.StringVar(&o.in, "in", "", "input image path or URL for -mode run (jpg/png/webp)")
	flag.StringVar(&o.outDir, "out", "out", "output directory for -mode run")
	flag.IntVar(&o.modelIdx, "model", 0, "model index in the sorted model directory")
	flag.StringVar(&o.crop, "crop", "", "selection x,y,w,h in oriented full-resolution pixels (default whole image)")
	flag.IntVar(&o.size, "size", 0, "detector input size (default from model)")
	flag.Float64Var(&o.conf, "conf", 0, "confidence threshold (default from model)")
	flag.Float64Var(&o.nms, "nms", 0, "NMS IoU threshold (default 0.45)")
	flag.BoolVar(&o.labels, "labels", false, "draw class labels")
	flag.Parse()

	if err := run(o, dishcounter.New); err != nil {
		log.Fatal(err)
	}
}

// run returns instead of exiting so the pipeline is always closed
func run(o options, open opener) error {
	if o.version {
		fmt.Println(dishcounter.Version)
		return nil
	}

	cfg, err := config.Load(o.cfgPath)
	if err != nil {
		return err
	}
	if o.saveConfig {
		if err := cfg.SaveToFile(o.cfgPath); err != nil {
			return err
		}
		log.Infof("wrote %s", o.cfgPath)
		return nil
	}

	p, err := open(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			p.Log.WithError(err).Warn("pipeline close failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch o.mode {
	case "serve":
		if p.Log.GetLevel() < log.DebugLevel {
			gin.SetMode(gin.ReleaseMode)
		}
		srv := api.New(p.Engine, p.Store, cfg.Server, cfg.Texts, p.Log)
		return srv.Run(ctx, cfg.Server.Listen)

	case "bot":
		bot, err := telegram.NewBot(cfg.Telegram, p.Engine, p.Store, cfg.Texts, p.Log)
		if err != nil {
			return err
		}
		return bot.Run(ctx)

	case "run":
		return runOnce(ctx, p, o)

	default:
		return fmt.Errorf("unknown mode %q (use serve, bot or run)", o.mode)
	}
}

func runOnce(ctx context.Context, p *dishcounter.Pipeline, o options) error {
	if o.in == "" {
		return fmt.Errorf("usage: %s -mode run -in dish.jpg [-out outdir] [-model N] [-crop x,y,w,h] [-size 1024] [-conf 0.25] [-nms 0.45] [-labels]", filepath.Base(os.Args[0]))
	}
	opts := dishcounter.RunOptions{ModelIndex: o.modelIdx}
	if o.crop != "" {
		sel, err := parseCrop(o.crop)
		if err != nil {
			return err
		}
		opts.Selection = sel
	}
	if o.size > 0 || o.conf > 0 || o.nms > 0 || o.labels {
		if o.modelIdx < 0 || o.modelIdx >= len(p.Models) {
			return fmt.Errorf("model index %d out of range, %d models found", o.modelIdx, len(p.Models))
		}
		params := p.Models[o.modelIdx].Defaults.Apply(workflow.DefaultParams())
		if o.size > 0 {
			params.InputSize = o.size
		}
		if o.conf > 0 {
			params.Confidence = o.conf
		}
		if o.nms > 0 {
			params.NMS = o.nms
		}
		params.ShowLabels = o.labels
		opts.Params = &params
	}

	data, err := utils.ReadImageSource(ctx, o.in)
	if err != nil {
		return err
	}
	sess, err := p.RunOnce(ctx, data, opts)
	if err != nil {
		return err
	}

	if err := utils.EnsureDir(o.outDir); err != nil {
		return err
	}
	outPath := filepath.Join(o.outDir, utils.SanitizeFilename(sess.ArtifactName))
	if err := os.WriteFile(outPath, sess.Artifact, 0o644); err != nil {
		return err
	}
	for _, line := range p.Lines(sess) {
		p.Log.Info(line)
	}
	p.Log.WithField("size", utils.FormatFileSize(int64(len(sess.Artifact)))).Infof("wrote %s", outPath)
	fmt.Printf(p.Config.Texts.Success+"\n", sess.Count)
	return nil
}

func parseCrop(s string) (*types.Selection, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("crop must be x,y,w,h, got %q", s)
	}
	v := make([]int, 4)
	for i, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("crop value %q: %w", part, err)
		}
		v[i] = n
	}
	return &types.Selection{X: v[0], Y: v[1], Width: v[2], Height: v[3]}, nil
}
