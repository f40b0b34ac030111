// Command atagdet runs the detector over image files and prints one payload
// per image, prefixed with its length.
package main

import (
	"AtagDetServer/engine"
	"AtagDetServer/imgdecode"
	iface "AtagDetServer/interface"
	"AtagDetServer/logger"
	"AtagDetServer/session"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

type Options struct {
	Debug          bool
	Quiet          bool
	Iters          int
	Threads        int
	Hamming        int
	Decimate       float64
	Blur           float64
	RefineEdges    bool
	MaxDetections  int
	OutputPose     bool
	OutputPoseSol  bool
	Family         string
	Intrinsics     iface.CameraIntrinsics
	DebugImagePath string
}

// Intrinsics of the tablet camera the sample tag photos were taken with.
var exampleIntrinsics = iface.CameraIntrinsics{
	Fx: 997.5703125,
	Fy: 997.5703125,
	Cx: 636.783203125,
	Cy: 360.4857482910,
}

func newRootCmd(factory func(family string, hamming int) iface.BackendFactory) *cobra.Command {
	opts := Options{Intrinsics: exampleIntrinsics, DebugImagePath: "detect_input.pgm"}
	cmd := &cobra.Command{
		Use:          "atagdet [options] <input files>",
		Short:        "Detect AprilTags in image files",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := "nop"
			if opts.Debug {
				mode = "development"
			}
			if err := logger.Init(mode); err != nil {
				return err
			}
			defer logger.Sync()
			return run(cmd.OutOrStdout(), factory(opts.Family, opts.Hamming), opts, args)
		},
	}
	f := cmd.Flags()
	f.BoolVarP(&opts.Debug, "debug", "d", false, "Enable debugging output (slow)")
	f.BoolVarP(&opts.Quiet, "quiet", "q", false, "Reduce output")
	f.IntVarP(&opts.Iters, "iters", "i", 1, "Repeat processing on input set this many times")
	f.IntVarP(&opts.Threads, "threads", "t", 1, "Use this many CPU threads")
	f.IntVarP(&opts.Hamming, "hamming", "a", 1, "Detect tags with up to this many bit errors.")
	f.Float64VarP(&opts.Decimate, "decimate", "x", 2.0, "Decimate input image by this factor")
	f.Float64VarP(&opts.Blur, "blur", "b", 0.0, "Apply low-pass blur to input; negative sharpens")
	f.BoolVar(&opts.RefineEdges, "refine-edges", true, "Spend more time trying to align edges of tags")
	f.IntVarP(&opts.MaxDetections, "max-detections", "m", 0, "Maximum detections to return (0=return all)")
	f.BoolVarP(&opts.OutputPose, "output-pose", "p", true, "Return pose")
	f.BoolVarP(&opts.OutputPoseSol, "output-pose-sol", "s", true, "Return pose solutions")
	f.StringVarP(&opts.Family, "family", "f", engine.DefaultFamily, "Tag family")
	f.Float64Var(&opts.Intrinsics.Fx, "fx", exampleIntrinsics.Fx, "Focal length x in pixels")
	f.Float64Var(&opts.Intrinsics.Fy, "fy", exampleIntrinsics.Fy, "Focal length y in pixels")
	f.Float64Var(&opts.Intrinsics.Cx, "cx", exampleIntrinsics.Cx, "Principal point x in pixels")
	f.Float64Var(&opts.Intrinsics.Cy, "cy", exampleIntrinsics.Cy, "Principal point y in pixels")
	return cmd
}

func run(out io.Writer, factory iface.BackendFactory, opts Options, inputs []string) error {
	s := session.New(factory)
	if err := s.Init(); err != nil {
		return err
	}
	defer s.Teardown()

	detOpts := iface.DetectorOptions{
		Decimate:        float32(opts.Decimate),
		Sigma:           float32(opts.Blur),
		Threads:         opts.Threads,
		RefineEdges:     opts.RefineEdges,
		MaxDetections:   opts.MaxDetections,
		ReturnPose:      opts.OutputPose,
		ReturnSolutions: opts.OutputPose && opts.OutputPoseSol,
	}
	if err := s.Configure(detOpts); err != nil {
		return err
	}
	in := opts.Intrinsics
	if err := s.SetIntrinsics(in.Fx, in.Fy, in.Cx, in.Cy); err != nil {
		return err
	}

	for iter := 0; iter < max(opts.Iters, 1); iter++ {
		for _, path := range inputs {
			if !opts.Quiet {
				fmt.Fprintf(out, "loading %s\n", path)
			}
			img, err := imgdecode.ReadFile(path)
			if err != nil {
				fmt.Fprintf(out, "couldn't load %s\n", path)
				logger.Log().Debug("load failed", zap.Error(err))
				continue
			}
			if opts.Debug {
				writeDebug(opts.DebugImagePath, img)
			}
			// 按 stride 逐行拷贝进探测器缓冲区
			buf, err := s.AcquireImageBuffer(img.Width, img.Height, img.Stride)
			if err != nil {
				return err
			}
			if err := imgdecode.CopyInto(buf, img.Stride, img); err != nil {
				return err
			}
			res := s.Detect()
			fmt.Fprintf(out, "(%d) %s\n", res.Len(), res.String())
		}
	}
	fmt.Fprintln(out)
	return nil
}

func writeDebug(path string, img iface.ImageU8) {
	mat, err := gocv.NewMatFromBytes(img.Height, img.Width, gocv.MatTypeCV8UC1, img.Buf)
	if err != nil {
		logger.Log().Warn("debug image", zap.Error(err))
		return
	}
	defer mat.Close()
	if !gocv.IMWrite(path, mat) {
		logger.Log().Warn("debug image not written", zap.String("path", path))
	}
}

func main() {
	if err := newRootCmd(engine.Factory).Execute(); err != nil {
		os.Exit(1)
	}
}
