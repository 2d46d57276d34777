package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/hallsync/internal/model"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect or clear the cross-process lock",
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current lock holder",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		objs, err := initObjects(ctx)
		if err != nil {
			return err
		}
		info, err := newMutex(objs, "").Status(ctx)
		if err != nil {
			return err
		}
		return writeLockInfo(os.Stdout, info)
	},
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Delete the lock record regardless of holder",
	Long:  "Deletes the lock record. Use only when the holder is known to be dead; a live holder keeps running unguarded.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		force, _ := cmd.Flags().GetBool("force")

		objs, err := initObjects(ctx)
		if err != nil {
			return err
		}
		m := newMutex(objs, "")
		info, err := m.Status(ctx)
		if err != nil {
			return err
		}
		if info == nil {
			fmt.Fprintln(os.Stderr, "Lock is not held.")
			return nil
		}
		if !info.IsExpired && !force {
			return eris.Errorf("lock held by %s for %s and not expired; pass --force to release", info.Environment, time.Duration(info.AgeMs)*time.Millisecond)
		}
		m.Release(ctx)
		fmt.Fprintln(os.Stderr, "Lock released.")
		return nil
	},
}

func init() {
	lockReleaseCmd.Flags().Bool("force", false, "release a lock that has not expired")

	lockCmd.AddCommand(lockStatusCmd)
	lockCmd.AddCommand(lockReleaseCmd)
	rootCmd.AddCommand(lockCmd)
}

type lockView struct {
	Held        bool      `yaml:"held"`
	Environment string    `yaml:"environment,omitempty"`
	JobMode     string    `yaml:"job_mode,omitempty"`
	StartedAt   time.Time `yaml:"started_at,omitempty"`
	Age         string    `yaml:"age,omitempty"`
	Expired     bool      `yaml:"expired,omitempty"`
}

// writeLockInfo renders the holder as YAML. A nil info means the lock is free.
func writeLockInfo(out io.Writer, info *model.LockInfo) error {
	v := lockView{}
	if info != nil {
		v = lockView{
			Held:        true,
			Environment: info.Environment,
			JobMode:     info.JobMode,
			StartedAt:   info.StartedAt,
			Age:         (time.Duration(info.AgeMs) * time.Millisecond).Round(time.Second).String(),
			Expired:     info.IsExpired,
		}
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
