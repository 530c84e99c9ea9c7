package relay

import (
	"fmt"
	"mime/multipart"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/matheus3301/dmsync/internal/chat"
	"github.com/matheus3301/dmsync/internal/upload"
	"go.uber.org/zap"
)

const thumbWidth = 320

// upload stores every "files" part and answers with attachments in the same
// order. An optional "kinds" field per file overrides the guessed kind.
func (s *Server) upload(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "expected multipart form"})
	}
	files := form.File["files"]
	if len(files) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "no files"})
	}
	kinds := form.Value["kinds"]
	if len(kinds) != 0 && len(kinds) != len(files) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "kinds do not match files"})
	}

	base := s.cfg.PublicURL
	if base == "" {
		base = c.BaseURL()
	}
	base = strings.TrimSuffix(base, "/") + "/media/"

	out := make([]chat.Attachment, 0, len(files))
	for i, fh := range files {
		kind := upload.KindOf(fh.Filename)
		if len(kinds) != 0 {
			kind = chat.AttachmentKind(kinds[i])
		}
		if !kind.Valid() {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": fmt.Sprintf("invalid kind %q", kind)})
		}
		att, err := s.store(c, fh, kind, base)
		if err != nil {
			s.logger.Error("store upload", zap.String("file", fh.Filename), zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "store failed"})
		}
		out = append(out, att)
	}
	user, _ := c.Locals(localUser).(string)
	s.logger.Info("upload stored", zap.String("user", user), zap.Int("files", len(out)))
	return c.JSON(upload.Response{Attachments: out})
}

func (s *Server) store(c *fiber.Ctx, fh *multipart.FileHeader, kind chat.AttachmentKind, base string) (chat.Attachment, error) {
	name := uuid.NewString() + strings.ToLower(filepath.Ext(fh.Filename))
	path := filepath.Join(s.cfg.MediaDir, name)
	if err := c.SaveFile(fh, path); err != nil {
		return chat.Attachment{}, err
	}
	att := chat.Attachment{URL: base + name, Kind: kind, Size: fh.Size}
	if kind == chat.KindImage {
		if thumb, err := s.thumbnail(path); err != nil {
			s.logger.Debug("no thumbnail", zap.String("file", fh.Filename), zap.Error(err))
		} else {
			att.Thumbnail = base + thumb
		}
	}
	return att, nil
}

// thumbnail writes a resized JPEG next to the original and returns its name.
func (s *Server) thumbnail(path string) (string, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", err
	}
	thumb := imaging.Resize(img, thumbWidth, 0, imaging.Lanczos)
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + "_thumb.jpg"
	if err := imaging.Save(thumb, filepath.Join(s.cfg.MediaDir, name)); err != nil {
		return "", err
	}
	return name, nil
}
