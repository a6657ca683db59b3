// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program around a player event subscription
package ui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Sendspin/sendspin-native/internal/events"
)

// Run shows the now-playing display until the user quits, ctx ends or
// the subscription closes
func Run(ctx context.Context, sub *events.Subscription, submitter Submitter, opts ...tea.ProgramOption) error {
	opts = append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, opts...)
	p := tea.NewProgram(NewModel(ctx, sub.Events(), submitter), opts...)

	_, err := p.Run()
	sub.Close()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("run tui: %w", err)
	}
	return nil
}
