package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 61370613

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db        *gorm.DB
	namespace string
}

// NewGormStore opens the DB, runs auto-migrations and provisions the namespace.
func NewGormStore(dsn, namespace string) (*GormStore, error) {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = DefaultNamespace
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&SchemaModel{}, &RecordModel{}, &SequenceModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		schema := SchemaModel{Namespace: namespace, Version: SchemaVersion, CreatedAt: time.Now().UTC()}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&schema).Error
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, namespace: namespace}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

func (s *GormStore) Put(ctx context.Context, c Collection, key string, value any) error {
	if err := validCollection(c); err != nil {
		return err
	}
	data, err := encode(value)
	if err != nil {
		return err
	}
	model := RecordModel{
		Namespace:  s.namespace,
		Collection: string(c),
		Key:        key,
		Data:       datatypes.JSON(data),
		UpdatedAt:  time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}, {Name: "collection"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&model).Error
}

func (s *GormStore) Get(ctx context.Context, c Collection, key string, out any) (bool, error) {
	if err := validCollection(c); err != nil {
		return false, err
	}
	var models []RecordModel
	if err := s.db.WithContext(ctx).
		Where("namespace = ? AND collection = ? AND key = ?", s.namespace, string(c), key).
		Limit(1).
		Find(&models).Error; err != nil {
		return false, err
	}
	if len(models) == 0 {
		return false, nil
	}
	return true, decodeInto(models[0].Data, out)
}

func (s *GormStore) GetAll(ctx context.Context, c Collection) ([]Record, error) {
	if err := validCollection(c); err != nil {
		return nil, err
	}
	var models []RecordModel
	if err := s.db.WithContext(ctx).
		Where("namespace = ? AND collection = ?", s.namespace, string(c)).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]Record, 0, len(models))
	for _, m := range models {
		res = append(res, recordFromModel(m))
	}
	return res, nil
}

func (s *GormStore) Delete(ctx context.Context, c Collection, key string) error {
	if err := validCollection(c); err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Where("namespace = ? AND collection = ? AND key = ?", s.namespace, string(c), key).
		Delete(&RecordModel{}).Error
}

func (s *GormStore) Clear(ctx context.Context, c Collection) error {
	if err := validCollection(c); err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Where("namespace = ? AND collection = ?", s.namespace, string(c)).
		Delete(&RecordModel{}).Error
}

// Append bumps the collection sequence and writes the record in one transaction.
func (s *GormStore) Append(ctx context.Context, c Collection, build func(id int64) any) (int64, error) {
	if err := validCollection(c); err != nil {
		return 0, err
	}
	var id int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq := SequenceModel{Namespace: s.namespace, Collection: string(c), Value: 1}
		if err := tx.Clauses(
			clause.OnConflict{
				Columns:   []clause.Column{{Name: "namespace"}, {Name: "collection"}},
				DoUpdates: clause.Assignments(map[string]any{"value": gorm.Expr("local_sequences.value + 1")}),
			},
			clause.Returning{Columns: []clause.Column{{Name: "value"}}},
		).Create(&seq).Error; err != nil {
			return fmt.Errorf("next %s id: %w", c, err)
		}
		id = seq.Value
		data, err := encode(build(id))
		if err != nil {
			return err
		}
		return tx.Create(&RecordModel{
			Namespace:  s.namespace,
			Collection: string(c),
			Key:        AppendKey(id),
			Data:       datatypes.JSON(data),
			UpdatedAt:  time.Now().UTC(),
		}).Error
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *GormStore) ClearAll(ctx context.Context) error {
	return s.db.WithContext(ctx).
		Where("namespace = ?", s.namespace).
		Delete(&RecordModel{}).Error
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
