package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/vinayprograms/unfold/internal/llm"
)

// Run lists models known to the catalog.
func (c *ModelsCmd) Run(ctx context.Context) error {
	models, err := llm.ListModels(ctx, c.Provider)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		fmt.Println("No models found.")
		return nil
	}
	fmt.Println(modelTable(models))
	return nil
}

func modelTable(models []llm.ModelInfo) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("PROVIDER", "MODEL", "CONTEXT", "$/1M IN", "$/1M OUT")
	for _, m := range models {
		t.Row(m.Provider, m.ID, fmt.Sprintf("%dk", m.ContextWindow/1000),
			fmt.Sprintf("%.2f", m.CostPer1MIn), fmt.Sprintf("%.2f", m.CostPer1MOut))
	}
	return t.Render()
}
