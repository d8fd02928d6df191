// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package simulator

import (
	"context"
	"fmt"
	"strings"

	"github.com/mobiletoly/go-overshare/overshare"
	"github.com/mobiletoly/go-overshare/sharelite"
)

// Scenario is one scripted multi-device flow
type Scenario interface {
	Name() string
	Description() string
	Run(ctx context.Context, s *Simulator) error
}

type scenarioFunc struct {
	name, description string
	run               func(ctx context.Context, s *Simulator) error
}

func (f scenarioFunc) Name() string                                { return f.name }
func (f scenarioFunc) Description() string                         { return f.description }
func (f scenarioFunc) Run(ctx context.Context, s *Simulator) error { return f.run(ctx, s) }

var scenarios = []Scenario{
	scenarioFunc{"chat", "Two members exchange messages and typing signals", runChat},
	scenarioFunc{"tasks", "Tasks created, completed and deleted across devices", runTasks},
	scenarioFunc{"edit-lock", "Cooperative document editing with a single lock holder", runEditLock},
	scenarioFunc{"offline-online", "A device misses broadcasts and catches up on resume", runOfflineOnline},
	scenarioFunc{"kick", "The owner removes a member whose device is torn down", runKick},
	scenarioFunc{"user-switch", "A member logs out and rejoins with the invite code", runUserSwitch},
}

// GetScenario returns the scenario called name, or nil
func GetScenario(name string) Scenario {
	for _, sc := range scenarios {
		if sc.Name() == name {
			return sc
		}
	}
	return nil
}

// ScenarioNames lists the available scenarios in run order
func ScenarioNames() []string {
	out := make([]string, 0, len(scenarios))
	for _, sc := range scenarios {
		out = append(out, sc.Name())
	}
	return out
}

func expect(ok bool, format string, args ...any) error {
	if ok {
		return nil
	}
	return fmt.Errorf(format, args...)
}

// workspace is an owner and a member device on a fresh workspace
type workspace struct {
	owner, member *Device
	created       *overshare.CreateWorkspaceResponse
}

func setupWorkspace(ctx context.Context, s *Simulator) (*workspace, error) {
	owner, err := s.NewDevice(ctx, "alice")
	if err != nil {
		return nil, err
	}
	member, err := s.NewDevice(ctx, "bob")
	if err != nil {
		return nil, err
	}
	created, err := owner.Client.CreateWorkspace(ctx, "Household", "Alice")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	if _, err := member.Client.JoinWorkspace(ctx, created.Session.WorkspaceID, created.InviteCode, "Bob"); err != nil {
		return nil, fmt.Errorf("join workspace: %w", err)
	}
	err = s.WaitFor(ctx, "both members online", func() bool {
		return len(owner.Client.Messages.Online()) == 2 && len(member.Client.Messages.Online()) == 2
	})
	if err != nil {
		return nil, err
	}
	return &workspace{owner: owner, member: member, created: created}, nil
}

func contents(ms []overshare.Message) string {
	parts := make([]string, 0, len(ms))
	for _, m := range ms {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "|")
}

func runChat(ctx context.Context, s *Simulator) error {
	w, err := setupWorkspace(ctx, s)
	if err != nil {
		return err
	}
	for _, text := range []string{"dinner at 7?", "I'll cook", "bring dessert"} {
		if _, err := w.owner.Client.Messages.Send(ctx, text, ""); err != nil {
			return err
		}
	}
	want := "dinner at 7?|I'll cook|bring dessert"
	if err := s.WaitFor(ctx, "member sees history", func() bool {
		return contents(w.member.Client.Messages.View()) == want
	}); err != nil {
		return fmt.Errorf("%w: got %q", err, contents(w.member.Client.Messages.View()))
	}

	w.member.Client.Messages.Typing(ctx)
	if err := s.WaitFor(ctx, "typing indicator", func() bool {
		return len(w.owner.Client.Messages.TypingPeers()) == 1
	}); err != nil {
		return err
	}
	if _, err := w.member.Client.Messages.Send(ctx, "deal", ""); err != nil {
		return err
	}
	return s.WaitFor(ctx, "owner sees reply", func() bool {
		return contents(w.owner.Client.Messages.View()) == want+"|deal"
	})
}

func runTasks(ctx context.Context, s *Simulator) error {
	w, err := setupWorkspace(ctx, s)
	if err != nil {
		return err
	}
	task, err := w.owner.Client.Tasks.Create(ctx, overshare.Task{Title: "Water plants", Priority: overshare.PriorityUrgent})
	if err != nil {
		return err
	}
	if err := s.WaitFor(ctx, "member sees task", func() bool { return len(w.member.Client.Tasks.View()) == 1 }); err != nil {
		return err
	}
	if _, err := w.member.Client.Tasks.Toggle(ctx, task.ServerID); err != nil {
		return err
	}
	if err := s.WaitFor(ctx, "owner sees completion", func() bool {
		return len(w.owner.Client.Tasks.Groups().Done) == 1
	}); err != nil {
		return err
	}
	done := w.owner.Client.Tasks.View()[0]
	if err := expect(done.CompletedBy == w.member.Client.Messages.Session().MemberID,
		"completed_by = %q", done.CompletedBy); err != nil {
		return err
	}
	if err := w.owner.Client.Tasks.Delete(ctx, task.ServerID); err != nil {
		return err
	}
	return s.WaitFor(ctx, "member sees delete", func() bool { return len(w.member.Client.Tasks.View()) == 0 })
}

func runEditLock(ctx context.Context, s *Simulator) error {
	w, err := setupWorkspace(ctx, s)
	if err != nil {
		return err
	}
	doc, err := w.owner.Client.Documents.Create(ctx, overshare.Document{Title: "Shopping", Content: "milk"})
	if err != nil {
		return err
	}
	ownerEdit, err := w.owner.Client.Documents.Edit(ctx, doc.ServerID)
	if err != nil {
		return err
	}
	if err := expect(ownerEdit.State() == sharelite.EditEditing, "owner edit state %s", ownerEdit.State()); err != nil {
		return err
	}
	memberEdit, err := w.member.Client.Documents.Edit(ctx, doc.ServerID)
	if err != nil {
		return err
	}
	if err := expect(memberEdit.State() == sharelite.EditReadOnly && memberEdit.Holder().EditingByName == "Alice",
		"member edit state %s held by %q", memberEdit.State(), memberEdit.Holder().EditingByName); err != nil {
		return err
	}

	doc.Content = "milk, eggs"
	if _, err := ownerEdit.Save(ctx, doc); err != nil {
		return err
	}
	if err := s.WaitFor(ctx, "member sees saved content", func() bool {
		v := w.member.Client.Documents.View()
		return len(v) == 1 && v[0].Content == "milk, eggs"
	}); err != nil {
		return err
	}
	if err := ownerEdit.Release(ctx); err != nil {
		return err
	}
	lock, err := memberEdit.Acquire(ctx)
	if err != nil {
		return err
	}
	return expect(lock.Locked, "member could not take the lock after release")
}

func runOfflineOnline(ctx context.Context, s *Simulator) error {
	w, err := setupWorkspace(ctx, s)
	if err != nil {
		return err
	}
	w.member.Client.SetForeground(false)
	w.member.Client.Disconnect()

	if _, err := w.owner.Client.Messages.Send(ctx, "anyone home?", ""); err != nil {
		return err
	}
	if _, err := w.owner.Client.Documents.Create(ctx, overshare.Document{Title: "Wifi password"}); err != nil {
		return err
	}
	if err := expect(len(w.member.Client.Messages.View()) == 0, "disconnected device received a broadcast"); err != nil {
		return err
	}

	if err := w.member.Client.Resume(ctx); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	if err := s.WaitFor(ctx, "member catches up", func() bool {
		return len(w.member.Client.Messages.View()) == 1 && len(w.member.Client.Documents.View()) == 1
	}); err != nil {
		return fmt.Errorf("%w: %d messages, %d documents", err, len(w.member.Client.Messages.View()),
			len(w.member.Client.Documents.View()))
	}
	return s.WaitFor(ctx, "member back online", func() bool { return len(w.owner.Client.Messages.Online()) == 2 })
}

func runKick(ctx context.Context, s *Simulator) error {
	w, err := setupWorkspace(ctx, s)
	if err != nil {
		return err
	}
	if _, err := w.owner.Client.Messages.Send(ctx, "house rules", ""); err != nil {
		return err
	}
	if err := s.WaitFor(ctx, "member sees message", func() bool { return len(w.member.Client.Messages.View()) == 1 }); err != nil {
		return err
	}
	if err := w.owner.Client.Kick(ctx, w.member.Client.Messages.Session().MemberID); err != nil {
		return err
	}
	if err := s.WaitFor(ctx, "member removed", func() bool {
		n := w.member.Notices()
		return len(n) == 1 && n[0].Kind == sharelite.NoticeRemoved
	}); err != nil {
		return err
	}
	left, err := w.member.Client.Mirror.Messages.Count(ctx, w.created.Session.WorkspaceID)
	if err != nil {
		return err
	}
	if err := expect(left == 0 && !w.member.Client.Sessions.IsValid(ctx), "member still holds %d messages", left); err != nil {
		return err
	}
	members, err := w.owner.Client.Messages.Members(ctx)
	if err != nil {
		return err
	}
	return expect(len(members) == 1, "owner roster has %d members", len(members))
}

func runUserSwitch(ctx context.Context, s *Simulator) error {
	w, err := setupWorkspace(ctx, s)
	if err != nil {
		return err
	}
	if _, err := w.owner.Client.Messages.Send(ctx, "welcome", ""); err != nil {
		return err
	}
	if err := s.WaitFor(ctx, "member sees message", func() bool { return len(w.member.Client.Messages.View()) == 1 }); err != nil {
		return err
	}
	if err := w.member.Client.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	n := w.member.Notices()
	if err := expect(len(n) == 1 && n[0].Kind == sharelite.NoticeLoggedOut, "notices after logout: %v", n); err != nil {
		return err
	}

	ws := w.created.Session.WorkspaceID
	if _, err := w.member.Client.JoinWorkspace(ctx, ws, w.created.InviteCode, "Carol"); err != nil {
		return fmt.Errorf("rejoin: %w", err)
	}
	if err := s.WaitFor(ctx, "history restored", func() bool { return len(w.member.Client.Messages.View()) == 1 }); err != nil {
		return err
	}
	return s.WaitFor(ctx, "new identity online", func() bool {
		for _, p := range w.owner.Client.Messages.Online() {
			if p.DisplayName == "Carol" {
				return true
			}
		}
		return false
	})
}
