package tools

import (
	"fmt"
	"os"

	"github.com/Manu343726/dmtrap/pkg/host"
	"github.com/Manu343726/dmtrap/pkg/hostsim"
	"github.com/Manu343726/dmtrap/pkg/sigscan"
	"github.com/Manu343726/dmtrap/pkg/utils"
	"github.com/spf13/cobra"
)

var (
	scanImage string
	scanBase  uint32
	scanBuild uint32
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Locate the hooked host routines in a module image",
	Long: `Scans a host module image for the signatures of the routines dmtrap detours and
reports where they are, along with the activation record layout of the build.

Without --image the module of a simulated host of the given build is scanned.

Example:
  dmtrap tools scan --build 1510
  dmtrap tools scan --image host.bin --base 0x400000 --build 1584`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	ToolsCmd.AddCommand(scanCmd)
	scanCmd.Flags().StringVar(&scanImage, "image", "", "Raw module image to scan")
	scanCmd.Flags().Uint32Var(&scanBase, "base", hostsim.ImageBase, "Address the image is mapped at")
	scanCmd.Flags().Uint32Var(&scanBuild, "build", hostsim.DefaultBuild, "Host build number")
}

func runScan(cmd *cobra.Command, args []string) error {
	image := hostsim.New(hostsim.Options{Build: scanBuild}, nil).Image()
	if scanImage != "" {
		bytes, err := os.ReadFile(scanImage)
		if err != nil {
			return err
		}
		image = sigscan.Image{Base: scanBase, Bytes: bytes}
	}

	colorHeader.Printf("Image at %s (%d bytes), build %d\n", utils.FormatUintHex(uint64(image.Base), 8), len(image.Bytes), scanBuild)

	supported := true
	for _, routine := range []struct {
		name       string
		signatures []sigscan.Signature
	}{
		{"dispatch", sigscan.Dispatch},
		{"runtime_error", sigscan.RuntimeError},
	} {
		address, err := image.LocateAny(routine.name, routine.signatures)
		if err != nil {
			supported = false
			fmt.Printf("  %-14s %s\n", routine.name, colorError.Sprint("not found"))
			continue
		}
		fmt.Printf("  %-14s %s\n", routine.name, colorAddr.Sprint(utils.FormatUintHex(uint64(address), 8)))
	}

	layout, err := host.LayoutFor(scanBuild)
	if err != nil {
		supported = false
		fmt.Printf("  %-14s %s\n", "layout", colorError.Sprint(err))
	} else {
		fmt.Printf("  %-14s %s (%d byte records)\n", "layout", layout.Name, layout.Size)
	}

	if !supported {
		return fmt.Errorf("host build %d cannot be instrumented", scanBuild)
	}
	colorSuccess.Println("Host can be instrumented.")
	return nil
}
