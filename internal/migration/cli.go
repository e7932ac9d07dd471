package migration

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
)

// Runner 是 migrate 子命令使用的迁移操作集
type Runner interface {
	Up(ctx context.Context) error
	Down(ctx context.Context, n int) error
	Goto(ctx context.Context, version uint) error
	Force(ctx context.Context, version int) error
	Status() ([]MigrationStatus, error)
	Info() (*Info, error)
}

var _ Runner = (*Migrator)(nil)

// Usage migrate 子命令帮助
const Usage = `usage: canvasflow migrate <command> [arg]

commands:
  up             apply all pending migrations
  down [n]       roll back n migrations (default 1, 0 = all)
  goto <version> migrate to version
  force <version> set version without running migrations
  status         list migrations
  version        print current version`

// RunCommand 执行一条 migrate 子命令并把结果写到 out
func RunCommand(ctx context.Context, r Runner, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("missing migrate command\n%s", Usage)
	}
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "up":
		if err := r.Up(ctx); err != nil {
			return err
		}
		return printVersion(r, out)

	case "down":
		n := 1
		if len(rest) > 0 {
			v, err := strconv.Atoi(rest[0])
			if err != nil || v < 0 {
				return fmt.Errorf("invalid step count %q", rest[0])
			}
			n = v
		}
		if err := r.Down(ctx, n); err != nil {
			return err
		}
		return printVersion(r, out)

	case "goto":
		v, err := versionArg(rest)
		if err != nil {
			return err
		}
		if err := r.Goto(ctx, uint(v)); err != nil {
			return err
		}
		return printVersion(r, out)

	case "force":
		v, err := versionArg(rest)
		if err != nil {
			return err
		}
		if err := r.Force(ctx, v); err != nil {
			return err
		}
		return printVersion(r, out)

	case "status":
		return printStatus(r, out)

	case "version":
		return printVersion(r, out)
	}
	return fmt.Errorf("unknown migrate command %q\n%s", cmd, Usage)
}

func versionArg(args []string) (int, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("version argument is required")
	}
	v, err := strconv.Atoi(args[0])
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid version %q", args[0])
	}
	return v, nil
}

func printVersion(r Runner, out io.Writer) error {
	info, err := r.Info()
	if err != nil {
		return err
	}
	if info.CurrentVersion == 0 {
		fmt.Fprintln(out, "no migrations applied")
		return nil
	}
	fmt.Fprintf(out, "current version: %d", info.CurrentVersion)
	if info.Dirty {
		fmt.Fprint(out, " (dirty)")
	}
	fmt.Fprintln(out)
	return nil
}

func printStatus(r Runner, out io.Writer) error {
	statuses, err := r.Status()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	for _, s := range statuses {
		state := "pending"
		switch {
		case s.Dirty:
			state = "dirty"
		case s.Applied:
			state = "applied"
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	info, err := r.Info()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\ntotal: %d, applied: %d, pending: %d\n", info.Total, info.Applied, info.Pending)
	return nil
}
