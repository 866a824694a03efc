package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/habitkit/habitsync/internal/habit"
	"github.com/habitkit/habitsync/internal/ui"
)

var (
	addKind   string
	addGoal   int
	addUnit   string
	addNotes  string
	addRemind string
)

var addCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a new habit",
	Long: `Add a habit to the local database.

The habit is created immediately and pushed to the sync service in the
background; when the service is unreachable the push is queued and replayed
on the next successful sync.

The --remind flag accepts natural language, e.g. "tomorrow at 9am" or
"every day 8pm" (the first matching time is used).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		h := habit.Habit{
			Title: args[0],
			Kind:  habit.Kind(addKind),
			Goal:  addGoal,
			Unit:  addUnit,
			Notes: addNotes,
		}

		if addRemind != "" {
			at, err := parseReminder(addRemind)
			if err != nil {
				return err
			}
			h.ReminderAt = &at
		}

		created, err := a.repo.Create(context.Background(), h)
		if err != nil {
			return err
		}
		a.repo.Wait()

		fmt.Printf("%s Added habit %d: %s\n", ui.RenderPass("✓"), created.LocalID, created.Title)
		if created.ReminderAt != nil {
			fmt.Printf("   Reminder: %s\n", created.ReminderAt.Format("Mon Jan 2 15:04"))
		}
		printSyncHint(a)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List habits",
	Long: `List all habits from the local database.

The local snapshot prints immediately; when the service is reachable a
background refresh follows and any changes are reported.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := context.Background()
		a.probe.CheckNow(ctx)

		refreshed := make(chan []habit.Habit, 1)
		habits, err := a.repo.GetAll(ctx, func(fresh []habit.Habit) {
			refreshed <- fresh
		})
		if err != nil {
			return err
		}

		printHabits(habits)

		// Give a fast refresh a moment to land; the CLI should not hang on
		// a slow network.
		a.repo.Wait()
		select {
		case fresh := <-refreshed:
			fmt.Printf("\n%s Refreshed from server:\n", ui.RenderAccent("🔄"))
			printHabits(fresh)
		default:
		}

		printSyncHint(a)
		return nil
	},
}

var doneCmd = &cobra.Command{
	Use:   "done <id>",
	Short: "Mark a habit completed for today",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setCompleted(args[0], true)
	},
}

var undoneCmd = &cobra.Command{
	Use:   "undone <id>",
	Short: "Clear a habit's completion for today",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setCompleted(args[0], false)
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a habit",
	Long: `Delete a habit locally and propagate the deletion to the sync
service. A habit the server never saw simply disappears.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		localID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid habit id %q", args[0])
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := context.Background()
		a.probe.CheckNow(ctx)

		if err := a.repo.Delete(ctx, localID); err != nil {
			return err
		}
		a.repo.Wait()

		fmt.Printf("%s Deleted habit %d\n", ui.RenderPass("✓"), localID)
		printSyncHint(a)
		return nil
	},
}

func setCompleted(idArg string, completed bool) error {
	localID, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid habit id %q", idArg)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	a.probe.CheckNow(ctx)

	h, err := a.repo.SetCompleted(ctx, localID, completed)
	if err != nil {
		return err
	}
	a.repo.Wait()

	mark := ui.RenderPass("✓")
	state := "done"
	if !completed {
		mark = ui.RenderWarn("○")
		state = "not done"
	}
	fmt.Printf("%s %s is %s\n", mark, h.Title, state)
	printSyncHint(a)
	return nil
}

func printHabits(habits []habit.Habit) {
	if len(habits) == 0 {
		fmt.Println("No habits yet. Add one with 'hab add'.")
		return
	}

	for i := range habits {
		h := &habits[i]

		mark := ui.RenderMuted("○")
		if h.Completed {
			mark = ui.RenderPass("✓")
		}

		syncState := ui.RenderPass("synced")
		if !h.Synced {
			syncState = ui.RenderWarn("pending")
		}

		line := fmt.Sprintf("%s %3d  %-30s %-10s %s", mark, h.LocalID, h.Title, h.Kind, syncState)
		fmt.Println(line)
		if h.Goal > 0 {
			fmt.Printf("        goal: %d %s\n", h.Goal, h.Unit)
		}
	}
}

func printSyncHint(a *app) {
	n, err := a.repo.PendingCount(context.Background())
	if err != nil || n == 0 {
		return
	}
	fmt.Printf("%s %d change(s) waiting to sync\n", ui.RenderWarn("⚠"), n)
}

// parseReminder turns natural language like "tomorrow at 9am" into a time.
func parseReminder(text string) (time.Time, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	result, err := w.Parse(text, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse reminder %q: %w", text, err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("could not understand reminder %q", text)
	}
	return result.Time, nil
}

func init() {
	addCmd.Flags().StringVar(&addKind, "kind", string(habit.KindCustom), "habit kind (water, steps, sleep, read, meditate, custom)")
	addCmd.Flags().IntVar(&addGoal, "goal", 0, "daily goal amount")
	addCmd.Flags().StringVar(&addUnit, "unit", "", "goal unit (e.g. ml, steps, minutes)")
	addCmd.Flags().StringVar(&addNotes, "notes", "", "free-form notes")
	addCmd.Flags().StringVar(&addRemind, "remind", "", "reminder time in natural language")

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(doneCmd)
	rootCmd.AddCommand(undoneCmd)
	rootCmd.AddCommand(rmCmd)
}
