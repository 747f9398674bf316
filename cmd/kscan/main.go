// Command kscan checks that a kernel image carries every location the kernel
// patch plan needs, without modifying it.
//
//	kscan C:\Windows\System32\ntoskrnl.exe
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"bootpatch"
	"bootpatch/imageio"
	"bootpatch/ntoskrnl"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var errIncomplete = errors.New("kernel image not supported")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		v   = viper.New()
		log = logrus.New()
	)
	cmd := &cobra.Command{
		Use:           "kscan <kernel image>",
		Short:         "Dry-run the kernel patch plan against an image",
		Args:          cobra.ExactArgs(1),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// arguments parsed; later failures are not usage errors
			cmd.SilenceUsage = true
			log.SetOutput(cmd.ErrOrStderr())
			log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
			lvl, err := logrus.ParseLevel(v.GetString("log-level"))
			if err != nil {
				return err
			}
			log.SetLevel(lvl)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			env := bootpatch.NewEnv(log)
			env.Volume = imageio.Volume{Root: filepath.Dir(args[0])}
			err := scan(cmd.OutOrStdout(), env, filepath.Base(args[0]), v.GetStringSlice("resolve"))
			if err != nil {
				log.WithError(err).Error("scan failed")
				cmd.SilenceErrors = true
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringSlice("resolve", nil, "Exports to resolve, comma separated")
	flags.String("log-level", "warning", "Log level")
	v.BindPFlags(flags)
	v.SetEnvPrefix("bootpatch")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return cmd
}

func scan(w io.Writer, env *bootpatch.Env, name string, resolve []string) error {
	file, err := env.Volume.ReadFile(name)
	if err != nil {
		return errors.Wrap(err, "read image")
	}
	mapped, err := imageio.MapImage(file)
	if err != nil {
		return errors.Wrap(err, "map image")
	}
	h, ok := bootpatch.GetHeaders(mapped)
	if !ok {
		return errors.New("map image: invalid headers")
	}
	img, ok := bootpatch.NewImage(h.Optional().ImageBase, mapped)
	if !ok {
		return errors.New("map image: invalid headers")
	}

	rep := ntoskrnl.Plan().Locate(env, img)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tSTATE\tADDRESS")
	for _, s := range rep.Steps {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, s.State, sites(img, s.Sites))
	}
	for _, name := range resolve {
		addr, ok := img.GetExport(name, "")
		if !ok {
			fmt.Fprintf(tw, "%s\t%s\t-\n", name, "missing")
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%#x\n", name, "export", addr-img.Base())
	}
	tw.Flush()

	if !rep.Complete() {
		return errors.Wrapf(errIncomplete, "unresolved: %s", strings.Join(rep.Unresolved(), ", "))
	}
	return nil
}

// sites prints RVAs, which stay meaningful across load addresses.
func sites(img *bootpatch.Image, addrs []uint64) string {
	if len(addrs) == 0 {
		return "-"
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = fmt.Sprintf("%#x", a-img.Base())
	}
	return strings.Join(out, ",")
}
