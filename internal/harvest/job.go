package harvest

import (
	"context"
	"fmt"

	apperrors "github.com/campustools/vover-harvester/internal/errors"
	"github.com/campustools/vover-harvester/internal/progress"
	"github.com/campustools/vover-harvester/internal/scraper"
	"github.com/campustools/vover-harvester/internal/storage"
)

// runDiscovery harvests every remote semester, creating missing local
// semesters with inferred short names and season date windows.
func (m *Manager) runDiscovery(ctx context.Context) error {
	options, err := m.fetchRemoteOptions(ctx)
	if err != nil {
		return err
	}

	m.tracker.Update("Semester", 0, len(options),
		fmt.Sprintf("%d Semester gefunden", len(options)))

	for i, option := range options {
		if err := ctx.Err(); err != nil {
			return err
		}
		semester, err := m.ensureSemester(ctx, option)
		if err != nil {
			return err
		}
		if _, err := m.runner.ScrapeSemester(ctx, semester, option); err != nil {
			return err
		}
		m.tracker.Update("Semester", i+1, len(options), "")
	}
	return nil
}

// runRemote resolves the free-form identifiers against the catalog's
// dropdown and harvests each match. An unknown identifier fails the job.
func (m *Manager) runRemote(ctx context.Context, identifiers []string) error {
	options, err := m.fetchRemoteOptions(ctx)
	if err != nil {
		return err
	}

	resolved := make([]scraper.SemesterOption, 0, len(identifiers))
	for _, identifier := range identifiers {
		option, ok := MatchRemoteSemester(identifier, options)
		if !ok {
			return apperrors.NewValidationError("semester",
				fmt.Sprintf("unbekanntes Semester %q", identifier))
		}
		resolved = append(resolved, option)
	}

	m.tracker.Update("Semester", 0, len(resolved), "")
	for i, option := range resolved {
		if err := ctx.Err(); err != nil {
			return err
		}
		semester, err := m.ensureSemester(ctx, option)
		if err != nil {
			return err
		}
		if _, err := m.runner.ScrapeSemester(ctx, semester, option); err != nil {
			return err
		}
		m.tracker.Update("Semester", i+1, len(resolved), "")
	}
	return nil
}

// runLocal harvests one existing semester. It must still resolve against
// the remote dropdown because semester selection is server-side state.
func (m *Manager) runLocal(ctx context.Context, semester storage.Semester) error {
	options, err := m.fetchRemoteOptions(ctx)
	if err != nil {
		return err
	}

	option, ok := MatchRemoteSemester(semester.Name, options)
	if !ok {
		option, ok = MatchRemoteSemester(semester.ShortName, options)
	}
	if !ok {
		return apperrors.NewValidationError("semester",
			fmt.Sprintf("Semester %q ist im Katalog nicht verfügbar", semester.Name))
	}

	m.tracker.Update("Semester", 0, 1, "")
	if _, err := m.runner.ScrapeSemester(ctx, semester, option); err != nil {
		return err
	}
	m.tracker.Update("Semester", 1, 1, "")
	return nil
}

func (m *Manager) fetchRemoteOptions(ctx context.Context) ([]scraper.SemesterOption, error) {
	session, err := scraper.NewSession(m.runner.sessionOptions())
	if err != nil {
		return nil, err
	}
	return session.FetchSemesterOptions(ctx)
}

// ensureSemester returns the local semester for a catalog option, creating
// it with an inferred short name and the season's default date window.
func (m *Manager) ensureSemester(ctx context.Context, option scraper.SemesterOption) (storage.Semester, error) {
	semester, err := m.db.GetSemesterByName(ctx, option.DisplayName)
	if err == nil {
		return semester, nil
	}
	if !isNotFound(err) {
		return storage.Semester{}, err
	}

	start, end := SeasonDates(option.DisplayName)
	semester, err = m.db.CreateSemester(ctx, storage.Semester{
		Name:      option.DisplayName,
		ShortName: InferShortName(option.DisplayName),
		StartDate: start,
		EndDate:   end,
		Active:    true,
	})
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return m.db.GetSemesterByName(ctx, option.DisplayName)
		}
		return storage.Semester{}, err
	}

	m.tracker.Log(progress.LevelInfo,
		fmt.Sprintf("Semester %s (%s) angelegt", semester.Name, semester.ShortName))
	return semester, nil
}
