// Package cmd implements the contour command line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/contourml/contour/api"
	"github.com/contourml/contour/envconfig"
	"github.com/contourml/contour/server"
	"github.com/contourml/contour/version"
)

// RunServer starts the contour daemon.
func RunServer(_ *cobra.Command, _ []string) error {
	ln, err := net.Listen("tcp", envconfig.Host().Host)
	if err != nil {
		return err
	}

	err = server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// GenerateHandler submits a generation request to a running daemon and
// writes the results next to the input image.
func GenerateHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	imagePath, _ := cmd.Flags().GetString("image")
	img, err := os.ReadFile(imagePath)
	if err != nil {
		return err
	}

	req := &api.GenerateRequest{
		Prompt: args[0],
		Image:  img,
	}

	if v, _ := cmd.Flags().GetString("negative"); v != "" {
		req.NegativePrompt = v
	}
	if v, _ := cmd.Flags().GetString("scheduler"); v != "" {
		req.Scheduler = v
	}
	if v, _ := cmd.Flags().GetString("lora-weights"); v != "" {
		req.LoraWeights = v
	}
	if v, _ := cmd.Flags().GetInt("steps"); cmd.Flags().Changed("steps") {
		req.Steps = &v
	}
	if v, _ := cmd.Flags().GetInt("num-outputs"); cmd.Flags().Changed("num-outputs") {
		req.NumOutputs = &v
	}
	if v, _ := cmd.Flags().GetInt64("seed"); cmd.Flags().Changed("seed") {
		req.Seed = &v
	}
	if v, _ := cmd.Flags().GetBool("img2img"); v {
		req.Img2Img = true
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Minute)
	defer cancel()

	resp, err := client.Generate(ctx, req)
	if err != nil {
		return err
	}

	base := imagePath[:len(imagePath)-len(filepath.Ext(imagePath))]
	for i, img := range resp.Images {
		out := fmt.Sprintf("%s-out-%d.png", base, i)
		if err := os.WriteFile(out, img, 0o644); err != nil {
			return err
		}
		fmt.Println(out)
	}

	return nil
}

func versionHandler(cmd *cobra.Command, _ []string) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return
	}

	serverVersion, err := client.Version(cmd.Context())
	if err != nil {
		fmt.Println("Warning: could not connect to a running contour instance")
	}

	if serverVersion != "" {
		fmt.Printf("contour server version is %s\n", serverVersion)
	}

	if serverVersion != version.Version {
		fmt.Printf("contour client version is %s\n", version.Version)
	}
}

// NewCLI assembles the root command.
func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "contour",
		Short:         "Image generation with per-request fine-tuned weights",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Version: version.Version,
	}

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start contour",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}

	generateCmd := &cobra.Command{
		Use:   "generate PROMPT",
		Short: "Generate images from a running contour instance",
		Args:  cobra.ExactArgs(1),
		RunE:  GenerateHandler,
	}
	generateCmd.Flags().String("image", "", "Input image for conditioning (required)")
	generateCmd.Flags().String("negative", "", "Negative prompt")
	generateCmd.Flags().String("scheduler", "", "Noise scheduler")
	generateCmd.Flags().String("lora-weights", "", "Trained weight bundle to install (URL or path)")
	generateCmd.Flags().Int("steps", 30, "Denoising steps")
	generateCmd.Flags().Int("num-outputs", 1, "Number of images")
	generateCmd.Flags().Int64("seed", 0, "Random seed")
	generateCmd.Flags().Bool("img2img", false, "Use the input image as the base image too")
	generateCmd.MarkFlagRequired("image")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run:   versionHandler,
	}

	envVars := envconfig.AsMap()
	envs := []envconfig.EnvVar{
		envVars["CONTOUR_HOST"],
		envVars["CONTOUR_CACHE"],
		envVars["CONTOUR_CACHE_SIZE"],
		envVars["CONTOUR_MODEL"],
		envVars["CONTOUR_RUNNER"],
		envVars["CONTOUR_ORIGINS"],
		envVars["CONTOUR_DEBUG"],
	}

	for _, cmd := range []*cobra.Command{serveCmd, generateCmd} {
		appendEnvDocs(cmd, envs)
	}

	rootCmd.AddCommand(
		serveCmd,
		generateCmd,
		versionCmd,
	)

	return rootCmd
}

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}
