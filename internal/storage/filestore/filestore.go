// Пакет filestore — файлы квитанций на диске.
//
// Три корня:
//   - staging — временные файлы входящих загрузок;
//   - uploads — постоянное хранилище, разбитое по годам (<uploads>/<год>/);
//   - quarantine — каталоги задержанных файлов (<quarantine>/<id>/).
//
// Запись выполняется по схеме temp файл → fsync → atomic rename.
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// ErrOutsideRoot — путь указывает за пределы управляемого каталога.
var ErrOutsideRoot = errors.New("путь вне каталога хранилища")

// FileStore — управление файлами квитанций.
type FileStore struct {
	uploadsDir    string
	quarantineDir string
	stagingDir    string
}

// StagedFile — загрузка, сохранённая во временный файл.
type StagedFile struct {
	// Path — абсолютный путь временного файла
	Path string
	// Size — записано байт
	Size int64
	// Checksum — SHA-256 содержимого (hex)
	Checksum string
	// Prefix — первые байты содержимого для проверки сигнатур
	Prefix []byte
}

// Open открывает временный файл для чтения.
func (s *StagedFile) Open() (io.ReadCloser, error) {
	return os.Open(s.Path)
}

// PromoteResult — файл в постоянном хранилище.
type PromoteResult struct {
	// StoragePath — путь относительно uploads, например 2026/recibo_tesorero_20260301101500_a1b2c3d4.pdf
	StoragePath string
	FullPath    string
}

// New создаёт FileStore и все три каталога.
func New(uploadsDir, quarantineDir, stagingDir string) (*FileStore, error) {
	for _, dir := range []string{uploadsDir, quarantineDir, stagingDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
		}
	}
	return &FileStore{
		uploadsDir:    filepath.Clean(uploadsDir),
		quarantineDir: filepath.Clean(quarantineDir),
		stagingDir:    filepath.Clean(stagingDir),
	}, nil
}

// UploadsDir возвращает корень постоянного хранилища.
func (fs *FileStore) UploadsDir() string { return fs.uploadsDir }

// QuarantineDir возвращает корень карантина.
func (fs *FileStore) QuarantineDir() string { return fs.quarantineDir }

// Stage записывает поток во временный файл, считая SHA-256 на лету
// и сохраняя первые prefixSize байт.
// При ошибке временный файл удаляется.
func (fs *FileStore) Stage(r io.Reader, prefixSize int) (*StagedFile, error) {
	tmpPath := filepath.Join(fs.stagingDir, "upload-"+uuid.NewString()+".part")

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	hasher := sha256.New()
	prefix := &prefixBuffer{limit: prefixSize}
	size, err := io.Copy(f, io.TeeReader(r, io.MultiWriter(hasher, prefix)))
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	return &StagedFile{
		Path:     tmpPath,
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
		Prefix:   prefix.buf,
	}, nil
}

// Discard удаляет файл. Отсутствие файла ошибкой не считается.
func (fs *FileStore) Discard(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления файла %s: %w", path, err)
	}
	return nil
}

// Promote переносит файл (из staging или карантина) в постоянное хранилище
// под сгенерированным именем в каталоге года now.
func (fs *FileStore) Promote(srcPath, originalFilename, uploadedBy string, now time.Time) (*PromoteResult, error) {
	year := now.UTC().Format("2006")
	dir := filepath.Join(fs.uploadsDir, year)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}

	name := generateStorageName(originalFilename, uploadedBy, now)
	fullPath := filepath.Join(dir, name)
	if err := moveFile(srcPath, fullPath); err != nil {
		return nil, err
	}

	return &PromoteResult{
		StoragePath: filepath.ToSlash(filepath.Join(year, name)),
		FullPath:    fullPath,
	}, nil
}

// FullPath возвращает абсолютный путь файла постоянного хранилища.
func (fs *FileStore) FullPath(storagePath string) (string, error) {
	return fs.within(fs.uploadsDir, filepath.FromSlash(storagePath))
}

// DeletePermanent удаляет файл из постоянного хранилища.
func (fs *FileStore) DeletePermanent(storagePath string) error {
	full, err := fs.FullPath(storagePath)
	if err != nil {
		return err
	}
	return fs.Discard(full)
}

// Move переносит файл между каталогами хранилища (используется для отката).
func (fs *FileStore) Move(srcPath, dstPath string) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию %s: %w", filepath.Dir(dstPath), err)
	}
	return moveFile(srcPath, dstPath)
}

// within проверяет, что rel не выходит за пределы root.
func (fs *FileStore) within(root, rel string) (string, error) {
	full := filepath.Join(root, rel)
	r, err := filepath.Rel(root, full)
	if err != nil || r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	return full, nil
}

// moveFile — rename, а между файловыми системами копирование с fsync.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("ошибка перемещения %s → %s: %w", src, dst, err)
	}

	if err := copyFile(src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("ошибка удаления исходного файла %s: %w", src, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("ошибка открытия %s: %w", src, err)
	}
	defer in.Close()

	tmpPath := dst + ".tmp"
	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка копирования %s: %w", src, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}

// prefixBuffer сохраняет первые limit байт потока.
type prefixBuffer struct {
	limit int
	buf   []byte
}

func (p *prefixBuffer) Write(b []byte) (int, error) {
	if room := p.limit - len(p.buf); room > 0 {
		if len(b) < room {
			room = len(b)
		}
		p.buf = append(p.buf, b[:room]...)
	}
	return len(b), nil
}

// generateStorageName генерирует имя файла в постоянном хранилище.
// Формат: {name}_{user}_{timestamp}_{uuid8}{ext}
// Пример: recibo_tesorero_20260301101500_a1b2c3d4.pdf
func generateStorageName(originalFilename, uploadedBy string, now time.Time) string {
	base := filepath.Base(filepath.ToSlash(strings.ReplaceAll(originalFilename, `\`, "/")))
	ext := strings.ToLower(filepath.Ext(base))
	name := strings.TrimSuffix(base, filepath.Ext(base))

	name = truncateRunes(sanitize(name), 50)
	user := truncateRunes(sanitize(uploadedBy), 20)
	ext = sanitizeExt(ext)

	ts := now.UTC().Format("20060102150405")
	uid := uuid.New().String()[:8]

	return fmt.Sprintf("%s_%s_%s_%s%s", name, user, ts, uid, ext)
}

// sanitize оставляет буквы, цифры, дефис и подчёркивание.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "file"
	}
	return b.String()
}

// sanitizeExt оставляет в расширении только буквы и цифры.
func sanitizeExt(ext string) string {
	var b strings.Builder
	for _, r := range strings.TrimPrefix(ext, ".") {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "." + truncateRunes(b.String(), 10)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}

// SanitizeFilename приводит имя, переданное клиентом, к безопасному виду:
// только базовое имя, опасные символы заменены на '_', длина до 100 символов.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			b.WriteRune('_')
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.ReplaceAll(b.String(), "..", "_")
	out = strings.Trim(out, " .")

	if out == "" || out == "_" {
		return "archivo"
	}

	if r := []rune(out); len(r) > 100 {
		ext := filepath.Ext(out)
		if len([]rune(ext)) > 10 {
			ext = ""
		}
		keep := 100 - len([]rune(ext))
		out = string([]rune(strings.TrimSuffix(out, ext))[:keep]) + ext
	}
	return out
}
