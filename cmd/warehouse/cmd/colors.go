package cmd

import (
	"github.com/fatih/color"

	"github.com/kwryankrattiger/spack-infrastructure/pkg/models"
	"github.com/kwryankrattiger/spack-infrastructure/pkg/taxonomy"
)

var (
	goodColor = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	badColor  = color.New(color.FgRed)
)

func colorStatus(s models.JobStatus) string {
	switch s {
	case models.JobStatusSuccess:
		return goodColor.Sprint(s)
	case models.JobStatusFailed:
		return badColor.Sprint(s)
	default:
		return warnColor.Sprint(s)
	}
}

func colorClass(class string) string {
	if class == taxonomy.Other {
		return warnColor.Sprint(class)
	}
	return badColor.Sprint(class)
}
