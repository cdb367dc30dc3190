package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/loqalabs/accessbridge/internal/analysis"
	"github.com/loqalabs/accessbridge/internal/capability"
	"github.com/loqalabs/accessbridge/internal/config"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath string
		endpoint   string
		timeout    time.Duration
	)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&configPath, "file", "accessbridge.yaml", "Path to configuration file")
	healthCmd := flag.NewFlagSet("health", flag.ExitOnError)
	healthCmd.StringVar(&endpoint, "endpoint", config.Default().Analysis.Endpoint, "Analysis service base URL")
	healthCmd.DurationVar(&timeout, "timeout", 5*time.Second, "Probe timeout")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'health' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if _, err := config.Load(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "health":
		healthCmd.Parse(os.Args[2:])
		status, err := probe(endpoint, timeout)
		fmt.Println(status)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func probe(endpoint string, timeout time.Duration) (capability.ServiceStatus, error) {
	client := analysis.NewClient(config.AnalysisConfig{
		Endpoint:  endpoint,
		TimeoutMS: int(timeout / time.Millisecond),
	})
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := client.Health(ctx)
	return capability.Classify(err), err
}
