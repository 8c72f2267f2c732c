package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dukerupert/togetha/internal/app"
	"github.com/dukerupert/togetha/internal/backup"
	"github.com/dukerupert/togetha/internal/credcache"
	"github.com/dukerupert/togetha/internal/identity"
	"github.com/dukerupert/togetha/internal/model"
	"github.com/dukerupert/togetha/internal/routing"
	"github.com/dukerupert/togetha/internal/server"
	"github.com/dukerupert/togetha/internal/store"
	ws "github.com/dukerupert/togetha/internal/websocket"
)

var (
	errNotSignedIn = errors.New("not signed in, run: togetha login <email> <password>")
	errNoFamily    = errors.New("not in a family, run: togetha family create or togetha family join <code>")
	errHasFamily   = errors.New("already in a family")
)

// command runs against an opened env. Long commands run until interrupted
// instead of under the client timeout.
type command struct {
	run  func(ctx context.Context, e *env, args []string) error
	long bool
}

var commands = map[string]command{
	"signup":  {run: signup},
	"login":   {run: login},
	"logout":  {run: logout},
	"whoami":  {run: whoami},
	"profile": {run: profile},
	"route":   {run: route},
	"family":  {run: family},
	"tasks":   {run: tasks},
	"serve":   {run: serve, long: true},
	"watch":   {run: watch, long: true},
	"backup":  {run: backupCmd, long: true},
}

// describe turns err into the line shown to the user.
func describe(err error) string {
	if identity.CodeOf(err) == "" {
		return err.Error()
	}
	msg, action := identity.Message(err)
	switch action {
	case identity.ActionSignup:
		return msg + " (togetha signup <email> <password>)"
	case identity.ActionLogin:
		return msg + " (togetha login <email> <password>)"
	default:
		return msg
	}
}

func need(args []string, n int, form string) error {
	if len(args) < n {
		return fmt.Errorf("usage: togetha %s", form)
	}
	return nil
}

// start restores the session and waits for the first settled route.
func start(ctx context.Context, e *env) (app.Snapshot, error) {
	e.app.Init()
	if _, err := e.app.WaitRoute(ctx); err != nil {
		return app.Snapshot{}, fmt.Errorf("waiting for session: %w", err)
	}
	return e.app.Snapshot(), nil
}

func signedIn(ctx context.Context, e *env) (app.Snapshot, error) {
	snap, err := start(ctx, e)
	if err != nil {
		return snap, err
	}
	if snap.Route == routing.Auth {
		return snap, errNotSignedIn
	}
	return snap, nil
}

func inFamily(ctx context.Context, e *env) (app.Snapshot, error) {
	snap, err := signedIn(ctx, e)
	if err != nil {
		return snap, err
	}
	if snap.Route != routing.Tasks {
		return snap, errNoFamily
	}
	return snap, nil
}

func awaitRoute(ctx context.Context, e *env, targets ...routing.Target) (app.Snapshot, error) {
	return e.app.Await(ctx, func(s app.Snapshot) bool {
		for _, t := range targets {
			if s.Route == t {
				return true
			}
		}
		return false
	})
}

func signup(ctx context.Context, e *env, args []string) error {
	if err := need(args, 2, "signup <email> <password>"); err != nil {
		return err
	}
	if _, err := start(ctx, e); err != nil {
		return err
	}
	if err := e.app.Auth.Signup(ctx, args[0], args[1]); err != nil {
		return err
	}
	snap, err := awaitRoute(ctx, e, routing.Onboarding, routing.Tasks)
	if err != nil {
		return err
	}
	fmt.Printf("Signed up as %s (%s)\n", snap.Auth.User.Email, snap.UID())
	fmt.Println("Next: togetha family create [name] or togetha family join <code>")
	return nil
}

func login(ctx context.Context, e *env, args []string) error {
	if err := need(args, 2, "login <email> <password>"); err != nil {
		return err
	}
	if _, err := start(ctx, e); err != nil {
		return err
	}
	if err := e.app.Auth.Login(ctx, args[0], args[1]); err != nil {
		return err
	}
	snap, err := awaitRoute(ctx, e, routing.Onboarding, routing.Tasks)
	if err != nil {
		return err
	}
	fmt.Printf("Signed in as %s\n", snap.Auth.User.Email)
	if snap.Route == routing.Onboarding {
		fmt.Println("Next: togetha family create [name] or togetha family join <code>")
	}
	return nil
}

func logout(ctx context.Context, e *env, args []string) error {
	if _, err := start(ctx, e); err != nil {
		return err
	}
	if err := e.app.Auth.Logout(ctx); err != nil {
		return err
	}
	if _, err := awaitRoute(ctx, e, routing.Auth); err != nil {
		return err
	}
	fmt.Println("Signed out")
	return nil
}

func whoami(ctx context.Context, e *env, args []string) error {
	snap, err := signedIn(ctx, e)
	if err != nil {
		return err
	}
	user := snap.Auth.User
	session := "cached"
	if e.client.CurrentUser() != nil {
		session = "confirmed"
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "uid\t%s\n", user.UID)
	fmt.Fprintf(tw, "email\t%s\n", user.Email)
	fmt.Fprintf(tw, "name\t%s\n", store.DefaultDisplayName(user.DisplayName, user.Email))
	fmt.Fprintf(tw, "session\t%s\n", session)
	if snap.Family.HasFamilyID {
		fmt.Fprintf(tw, "family\t%s\n", snap.Family.FamilyID)
	}
	return tw.Flush()
}

// profile renames the signed-in user on the account and on the profile
// document, so family member lists pick the new name up.
func profile(ctx context.Context, e *env, args []string) error {
	const form = "profile name <display name>"
	if err := need(args, 2, form); err != nil {
		return err
	}
	if args[0] != "name" {
		return fmt.Errorf("usage: togetha %s", form)
	}
	name := strings.TrimSpace(strings.Join(args[1:], " "))
	if name == "" {
		return errors.New("display name is required")
	}
	if _, err := signedIn(ctx, e); err != nil {
		return err
	}

	id, err := e.client.UpdateDisplayName(ctx, name)
	if errors.Is(err, identity.ErrNoSession) {
		return errNotSignedIn
	}
	if err != nil {
		return err
	}
	_, err = e.users.Sync(ctx, store.SyncUser{
		UID:         id.UID,
		Email:       id.Email,
		DisplayName: id.DisplayName,
	}, nil)
	if err != nil {
		return err
	}
	if _, err := e.app.Await(ctx, func(s app.Snapshot) bool {
		return s.Auth.User != nil && s.Auth.User.DisplayName == name
	}); err != nil {
		return err
	}
	fmt.Printf("Display name set to %s\n", name)
	return nil
}

func route(ctx context.Context, e *env, args []string) error {
	snap, err := start(ctx, e)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\n", snap.Route, snap.Route.Path())
	return nil
}

func family(ctx context.Context, e *env, args []string) error {
	const form = "family create [name] | join <code> | show | leave"
	if err := need(args, 1, form); err != nil {
		return err
	}
	switch args[0] {
	case "create":
		return familyCreate(ctx, e, strings.Join(args[1:], " "))
	case "join":
		if err := need(args, 2, "family join <code>"); err != nil {
			return err
		}
		return familyJoin(ctx, e, args[1])
	case "show":
		return familyShow(ctx, e)
	case "leave":
		return familyLeave(ctx, e)
	default:
		return fmt.Errorf("usage: togetha %s", form)
	}
}

// rememberFamily records the active family in the device preferences.
func rememberFamily(e *env, familyID string) {
	prefs := credcache.Preferences{}
	if p := e.creds.Preferences(); p != nil {
		prefs = *p
	}
	prefs.FamilyID = familyID
	if familyID != "" {
		prefs.LastActiveFamily = familyID
	}
	e.creds.SetPreferences(prefs)
}

func familyCreate(ctx context.Context, e *env, name string) error {
	snap, err := signedIn(ctx, e)
	if err != nil {
		return err
	}
	if snap.Family.HasFamilyID {
		return errHasFamily
	}

	name = strings.TrimSpace(name)
	if name == "" {
		user := snap.Auth.User
		name = store.DefaultDisplayName(user.DisplayName, user.Email) + "'s Family"
	}
	f, err := e.app.Family.CreateNewFamily(ctx, name, snap.UID())
	if err != nil {
		return fmt.Errorf("create family: %w", err)
	}
	if _, err := awaitRoute(ctx, e, routing.Tasks); err != nil {
		return err
	}
	rememberFamily(e, f.ID)

	fmt.Printf("Created %q\n", f.Name)
	fmt.Printf("Invite code: %s\n", f.InviteCode)
	return nil
}

func familyJoin(ctx context.Context, e *env, code string) error {
	code = store.NormalizeInviteCode(code)
	if len(code) != store.InviteCodeLength {
		return fmt.Errorf("invite code must be %d characters", store.InviteCodeLength)
	}

	snap, err := signedIn(ctx, e)
	if err != nil {
		return err
	}
	if snap.Family.HasFamilyID {
		return errHasFamily
	}

	f, err := e.app.Family.JoinFamily(ctx, code, snap.UID())
	if errors.Is(err, store.ErrFamilyNotFound) {
		return errors.New("no family uses that invite code")
	}
	if err != nil {
		return fmt.Errorf("join family: %w", err)
	}
	if _, err := awaitRoute(ctx, e, routing.Tasks); err != nil {
		return err
	}
	rememberFamily(e, f.ID)

	fmt.Printf("Joined %q\n", f.Name)
	return nil
}

func familyShow(ctx context.Context, e *env) error {
	snap, err := inFamily(ctx, e)
	if err != nil {
		return err
	}
	if err := e.app.Family.LoadFamily(ctx, snap.Family.FamilyID); err != nil {
		return err
	}
	st := e.app.Family.State()

	fmt.Printf("%s\n", st.Family.Name)
	fmt.Printf("Invite code: %s\n\n", st.Family.InviteCode)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tEMAIL\tROLE\tJOINED")
	for _, m := range st.Members {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			store.DefaultDisplayName(m.DisplayName, m.Email), m.Email, m.Role, m.JoinedAt.Format(time.DateOnly))
	}
	return tw.Flush()
}

func familyLeave(ctx context.Context, e *env) error {
	snap, err := inFamily(ctx, e)
	if err != nil {
		return err
	}
	if err := e.families.RemoveMember(ctx, snap.Family.FamilyID, snap.UID()); err != nil {
		return fmt.Errorf("leave family: %w", err)
	}
	if _, err := awaitRoute(ctx, e, routing.Onboarding); err != nil {
		return err
	}
	rememberFamily(e, "")
	fmt.Println("Left the family")
	return nil
}

func tasks(ctx context.Context, e *env, args []string) error {
	const form = "tasks list | add <title> | toggle <id>"
	if err := need(args, 1, form); err != nil {
		return err
	}
	switch args[0] {
	case "list":
		return tasksList(ctx, e)
	case "add":
		if err := need(args, 2, "tasks add <title>"); err != nil {
			return err
		}
		return tasksAdd(ctx, e, strings.Join(args[1:], " "))
	case "toggle":
		if err := need(args, 2, "tasks toggle <id>"); err != nil {
			return err
		}
		return tasksToggle(ctx, e, args[1])
	default:
		return fmt.Errorf("usage: togetha %s", form)
	}
}

// loadTasks waits for the first task snapshot of the signed-in family.
func loadTasks(ctx context.Context, e *env) (app.Snapshot, error) {
	if _, err := inFamily(ctx, e); err != nil {
		return app.Snapshot{}, err
	}
	snap, err := e.app.Await(ctx, func(s app.Snapshot) bool {
		return !s.Tasks.Loading
	})
	if err != nil {
		return snap, err
	}
	if snap.Tasks.Err != nil {
		return snap, fmt.Errorf("load tasks: %w", snap.Tasks.Err)
	}
	return snap, nil
}

func tasksList(ctx context.Context, e *env) error {
	snap, err := loadTasks(ctx, e)
	if err != nil {
		return err
	}
	if len(snap.Tasks.Tasks) == 0 {
		fmt.Println("No tasks yet. Add one with: togetha tasks add <title>")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, t := range snap.Tasks.Tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", checkbox(t), t.Title, t.ID)
	}
	return tw.Flush()
}

func checkbox(t model.Task) string {
	if t.Completed {
		return "[x]"
	}
	return "[ ]"
}

func tasksAdd(ctx context.Context, e *env, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("task title is required")
	}
	snap, err := inFamily(ctx, e)
	if err != nil {
		return err
	}
	if err := e.app.Tasks.AddTask(ctx, title, snap.Family.FamilyID); err != nil {
		return fmt.Errorf("add task: %w", err)
	}
	fmt.Printf("Added %q\n", title)
	return nil
}

func tasksToggle(ctx context.Context, e *env, id string) error {
	snap, err := loadTasks(ctx, e)
	if err != nil {
		return err
	}
	var task *model.Task
	for i := range snap.Tasks.Tasks {
		if snap.Tasks.Tasks[i].ID == id {
			task = &snap.Tasks.Tasks[i]
			break
		}
	}
	if task == nil {
		return fmt.Errorf("no task with id %q", id)
	}

	if err := e.app.Tasks.ToggleTask(ctx, id); err != nil {
		return fmt.Errorf("toggle task: %w", err)
	}
	want := !task.Completed
	_, err = e.app.Await(ctx, func(s app.Snapshot) bool {
		for _, t := range s.Tasks.Tasks {
			if t.ID == id {
				return t.Completed == want
			}
		}
		return false
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", checkbox(model.Task{Completed: want}), task.Title)
	return nil
}

func serve(ctx context.Context, e *env, args []string) error {
	srv := server.New(e.docs, e.accounts, e.logger)
	var src server.ChangeSource
	if e.changes != nil {
		src = e.changes
	}
	srv.SetBackups(e.backups)
	srv.Start(ctx, src)

	httpServer := &http.Server{
		Addr:         ":" + e.cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		e.logger.Info("togetha listening", "addr", httpServer.Addr, "backend", e.cfg.Backend)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	e.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func watch(ctx context.Context, e *env, args []string) error {
	token := e.creds.Token()
	if token == "" || e.client.CurrentUser() == nil {
		return errNotSignedIn
	}
	fmt.Fprintf(os.Stderr, "Watching %s\n", e.cfg.ServerURL)
	return ws.Watch(ctx, e.cfg.ServerURL, token, func(m ws.Message) {
		fmt.Printf("%s\t%s\t%s\t%s\n", time.Now().Format(time.TimeOnly), m.Entity, m.Action, m.ID)
	})
}

func backupCmd(ctx context.Context, e *env, args []string) error {
	const form = "backup run | list | restore <key> <path>"
	if err := need(args, 1, form); err != nil {
		return err
	}
	if !e.backups.Enabled() {
		return errors.New("backups are not configured, set TOGETHA_BACKUP_BUCKET, the access keys and TOGETHA_BACKUP_PASSPHRASE")
	}

	switch args[0] {
	case "run":
		obj, err := e.backups.Backup(ctx)
		if err != nil {
			return err
		}
		removed, err := e.backups.Prune(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Uploaded %s (%d bytes), pruned %d\n", obj.Key, obj.Size, removed)
		return nil
	case "list":
		objects, err := e.backups.List(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, o := range objects {
			fmt.Fprintf(tw, "%s\t%d\t%s\n", o.CreatedAt.Format(time.RFC3339), o.Size, o.Key)
		}
		return tw.Flush()
	case "restore":
		if err := need(args, 3, "backup restore <key> <path>"); err != nil {
			return err
		}
		if err := e.backups.Restore(ctx, args[1], args[2]); err != nil {
			if errors.Is(err, backup.ErrNotFound) {
				return fmt.Errorf("no backup with key %q", args[1])
			}
			return err
		}
		fmt.Printf("Restored %s to %s. Stop togetha and replace %s with it to use it.\n", args[1], args[2], e.cfg.DBPath)
		return nil
	default:
		return fmt.Errorf("usage: togetha %s", form)
	}
}
