// Command exportctl requests survey exports and inspects export jobs.
//
// Usage:
//
//	exportctl [-config path] request -survey <uuid> [-user <uuid>]
//	exportctl [-config path] status -job <id>
//	exportctl [-config path] retrigger -job <id>
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/timmy/surveyflow/internal/app"
	"github.com/timmy/surveyflow/internal/bus"
	"github.com/timmy/surveyflow/internal/config"
	"github.com/timmy/surveyflow/internal/domain"
	"github.com/timmy/surveyflow/internal/jobs"
	"github.com/timmy/surveyflow/internal/logger"
	"github.com/timmy/surveyflow/internal/repository"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults to CONFIG_PATH)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	// Load configuration
	cfg, err := config.Load(app.ConfigPath(*configPath))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Logs go to stderr so stdout carries only the job JSON
	appLogger := logger.New(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      "text",
		Output:      os.Stderr,
		ServiceName: cfg.Service.Name + "-exportctl",
	})

	db, err := repository.InitDB(&cfg.Database, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	jobRepo := repository.NewExportJobRepository(db)

	ctx, stop := app.SignalContext()
	defer stop()

	var publisher *bus.KafkaPublisher
	newProducer := func() *jobs.Producer {
		publisher = app.NewPublisher(&cfg.Kafka)
		return jobs.NewProducer(jobRepo, publisher, jobs.ProducerConfig{
			Topic:          cfg.Kafka.Topics.ExportJobs,
			PublishTimeout: cfg.Kafka.WriteTimeout,
			StoreTimeout:   cfg.Export.StoreTimeout,
		}, appLogger)
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "request":
		err = runRequest(ctx, args, newProducer, os.Stdout)
	case "status":
		err = runStatus(ctx, args, jobRepo, os.Stdout)
	case "retrigger":
		err = runRetrigger(ctx, args, jobRepo, newProducer)
	default:
		usage()
		os.Exit(2)
	}

	if publisher != nil {
		if cerr := publisher.Close(); cerr != nil {
			appLogger.WithError(cerr).Warn("Failed to close publisher")
		}
	}
	if err != nil {
		appLogger.WithError(err).Error("Command failed")
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: exportctl [-config path] <command> [flags]

Commands:
  request    -survey <uuid> [-user <uuid>]   create an export job and publish its trigger
  status     -job <id>                       print a job as JSON
  retrigger  -job <id>                       republish the trigger of a PENDING job

`)
	flag.PrintDefaults()
}

func runRequest(ctx context.Context, args []string, newProducer func() *jobs.Producer, out io.Writer) error {
	fs := flag.NewFlagSet("request", flag.ContinueOnError)
	surveyID := fs.String("survey", "", "Survey id to export")
	userID := fs.String("user", "", "Requesting user id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	job, err := newProducer().RequestExport(ctx, *surveyID, *userID)
	if job != nil {
		if werr := printJob(out, job); werr != nil {
			return werr
		}
	}
	return err
}

func runStatus(ctx context.Context, args []string, store jobs.JobStore, out io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	jobID := fs.String("job", "", "Job id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *jobID == "" {
		return errors.New("-job is required")
	}

	job, err := store.Get(ctx, *jobID)
	if err != nil {
		return err
	}
	return printJob(out, job)
}

func runRetrigger(ctx context.Context, args []string, store jobs.JobStore, newProducer func() *jobs.Producer) error {
	fs := flag.NewFlagSet("retrigger", flag.ContinueOnError)
	jobID := fs.String("job", "", "Job id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *jobID == "" {
		return errors.New("-job is required")
	}

	job, err := store.Get(ctx, *jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusPending {
		return fmt.Errorf("job %s is %s, only PENDING jobs can be retriggered", job.ID, job.Status)
	}
	return newProducer().Trigger(ctx, job.ID)
}

func printJob(out io.Writer, job *domain.ExportJob) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(job)
}
