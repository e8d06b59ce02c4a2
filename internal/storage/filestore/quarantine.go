package filestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/scoutledger/receipt-module/internal/domain/model"
)

// Имена служебных файлов в каталоге записи карантина.
const (
	MetadataFileName = "metadata.json"
	LogFileName      = "quarantine.log"
)

// LogEntry — строка журнала quarantine.log (JSON Lines).
type LogEntry struct {
	Time    time.Time `json:"time"`
	Event   string    `json:"event"`
	Actor   string    `json:"actor"`
	Message string    `json:"message,omitempty"`
}

// Quarantine переносит файл в <quarantine>/<id>/<sanitizedName>,
// записывает metadata.json и первую строку журнала.
// При любой ошибке каталог записи удаляется целиком, исходный файл
// остаётся на месте, если перенос ещё не произошёл.
func (fs *FileStore) Quarantine(srcPath, id, sanitizedName string, metadata any, entry LogEntry) (*model.QuarantinePaths, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("недопустимый идентификатор записи карантина %q: %w", id, err)
	}

	dir := filepath.Join(fs.quarantineDir, id)
	if err := os.Mkdir(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать каталог карантина %s: %w", dir, err)
	}

	paths := &model.QuarantinePaths{
		Directory:    dir,
		OriginalFile: filepath.Join(dir, SanitizeFilename(sanitizedName)),
		MetadataFile: filepath.Join(dir, MetadataFileName),
		LogFile:      filepath.Join(dir, LogFileName),
	}

	if err := moveFile(srcPath, paths.OriginalFile); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	if err := WriteMetadata(paths.MetadataFile, metadata); err != nil {
		// Файл уже в карантине, возвращаем его в staging для единообразной очистки
		if mvErr := moveFile(paths.OriginalFile, srcPath); mvErr != nil {
			os.Remove(paths.OriginalFile)
		}
		os.RemoveAll(dir)
		return nil, err
	}
	if err := AppendLog(paths.LogFile, entry); err != nil {
		if mvErr := moveFile(paths.OriginalFile, srcPath); mvErr != nil {
			os.Remove(paths.OriginalFile)
		}
		os.RemoveAll(dir)
		return nil, err
	}

	return paths, nil
}

// RemoveQuarantineDir удаляет каталог записи карантина со всем содержимым.
func (fs *FileStore) RemoveQuarantineDir(dir string) error {
	if _, err := fs.within(fs.quarantineDir, mustRel(fs.quarantineDir, dir)); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("ошибка удаления каталога карантина %s: %w", dir, err)
	}
	return nil
}

// PurgeQuarantinedFile удаляет только байты файла, metadata.json
// и журнал остаются для аудита.
func (fs *FileStore) PurgeQuarantinedFile(paths model.QuarantinePaths) error {
	if _, err := fs.within(fs.quarantineDir, mustRel(fs.quarantineDir, paths.OriginalFile)); err != nil {
		return err
	}
	return fs.Discard(paths.OriginalFile)
}

// mustRel — относительный путь или сам путь, если вычислить не удалось
// (within тогда отвергнет его).
func mustRel(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return rel
}

// WriteMetadata атомарно записывает v в JSON-файл.
// Паттерн: JSON → temp файл → fsync → atomic rename.
func WriteMetadata(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации метаданных: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}

// ReadMetadata читает JSON-файл метаданных в v.
func ReadMetadata(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ошибка чтения %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("ошибка десериализации %s: %w", path, err)
	}
	return nil
}

// AppendLog дописывает строку в журнал записи карантина.
func AppendLog(path string, entry LogEntry) error {
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("ошибка сериализации записи журнала: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("ошибка открытия журнала %s: %w", path, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("ошибка записи журнала %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("ошибка fsync журнала %s: %w", path, err)
	}
	return f.Close()
}
