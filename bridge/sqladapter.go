package bridge

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// SQLModelConfig maps one forum table onto the adapter contract. Column
// names are trusted config, never user input.
type SQLModelConfig struct {
	ModelType     string `yaml:"modelType"`
	Table         string `yaml:"table"`
	IDColumn      string `yaml:"idColumn"`
	DeletedColumn string `yaml:"deletedColumn"`

	// Actor-backed models (user, category, tag).
	ActorType      string `yaml:"actorType"`
	UsernameColumn string `yaml:"usernameColumn"`
	NameColumn     string `yaml:"nameColumn"`
	SummaryColumn  string `yaml:"summaryColumn"`
	IconURLColumn  string `yaml:"iconUrlColumn"`

	// Content-backed models (topic, post).
	ObjectType          string `yaml:"objectType"`
	TitleColumn         string `yaml:"titleColumn"`
	MarkdownColumn      string `yaml:"markdownColumn"`
	AuthorIDColumn      string `yaml:"authorIdColumn"`
	CollectionModelType string `yaml:"collectionModelType"`
	CollectionIDColumn  string `yaml:"collectionIdColumn"`
	ReplyToModelType    string `yaml:"replyToModelType"`
	ReplyToIDColumn     string `yaml:"replyToIdColumn"`
	PublicColumn        string `yaml:"publicColumn"`
	URLTemplate         string `yaml:"urlTemplate"`
}

// SQLAdapter reads forum rows straight from the forum's own database. It is
// the adapter to use when the bridge runs as a standalone process next to
// the forum rather than embedded in it.
type SQLAdapter struct {
	db  *gorm.DB
	cfg SQLModelConfig
}

func NewSQLAdapter(db *gorm.DB, cfg SQLModelConfig) *SQLAdapter {
	return &SQLAdapter{db: db, cfg: cfg}
}

func (a *SQLAdapter) Type() string {
	return a.cfg.ModelType
}

func (a *SQLAdapter) Ready(ctx context.Context, modelID string, deleting bool) (bool, error) {
	var count int64
	q := a.db.WithContext(ctx).Table(a.cfg.Table).Where(a.cfg.IDColumn+" = ?", modelID)
	if a.cfg.DeletedColumn != "" {
		q = q.Where(a.cfg.DeletedColumn + " IS NULL")
	}
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}
	live := count > 0
	if deleting {
		return !live, nil
	}
	return live, nil
}

func (a *SQLAdapter) Snapshot(ctx context.Context, modelID string) (Snapshot, error) {
	row := map[string]any{}
	err := a.db.WithContext(ctx).
		Table(a.cfg.Table).
		Where(a.cfg.IDColumn+" = ?", modelID).
		Take(&row).Error
	if err != nil {
		return Snapshot{}, errors.Wrapf(err, "load %s %s", a.cfg.ModelType, modelID)
	}

	snap := Snapshot{
		ActorType:           a.cfg.ActorType,
		Username:            column(row, a.cfg.UsernameColumn),
		Name:                column(row, a.cfg.NameColumn),
		Summary:             column(row, a.cfg.SummaryColumn),
		IconURL:             column(row, a.cfg.IconURLColumn),
		ObjectType:          a.cfg.ObjectType,
		Title:               column(row, a.cfg.TitleColumn),
		Markdown:            column(row, a.cfg.MarkdownColumn),
		AuthorModelID:       column(row, a.cfg.AuthorIDColumn),
		CollectionModelType: a.cfg.CollectionModelType,
		CollectionModelID:   column(row, a.cfg.CollectionIDColumn),
		ReplyToModelType:    a.cfg.ReplyToModelType,
		ReplyToModelID:      column(row, a.cfg.ReplyToIDColumn),
	}
	if a.cfg.PublicColumn != "" {
		snap.Public = columnBool(row, a.cfg.PublicColumn)
	} else {
		snap.Public = true
	}
	if a.cfg.URLTemplate != "" {
		snap.URL = strings.ReplaceAll(a.cfg.URLTemplate, "{id}", modelID)
	}
	return snap, nil
}

func column(row map[string]any, name string) string {
	if name == "" {
		return ""
	}
	switch v := row[name].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

func columnBool(row map[string]any, name string) bool {
	v, _ := row[name].(bool)
	return v
}
