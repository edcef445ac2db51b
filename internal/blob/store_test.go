package blob

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
)

var (
	pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}
	pdfHeader = []byte("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n1 0 obj\n")
)

type recordingUploader struct {
	params  uploader.UploadParams
	payload []byte
	err     error
}

func (u *recordingUploader) Upload(_ context.Context, file interface{}, params uploader.UploadParams) (*uploader.UploadResult, error) {
	if u.err != nil {
		return nil, u.err
	}
	u.params = params
	reader, ok := file.(io.Reader)
	if !ok {
		return nil, errors.New("expected reader")
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	u.payload = data
	return &uploader.UploadResult{SecureURL: "https://res.cloudinary.com/demo/" + params.Folder + "/" + params.PublicID}, nil
}

func TestInspectAcceptsImagesAndPDFs(t *testing.T) {
	mimeType, err := Inspect(pngHeader, "registrations/u1/photo.png")
	if err != nil {
		t.Fatalf("png rejected: %v", err)
	}
	if mimeType != "image/png" {
		t.Fatalf("expected image/png, got %s", mimeType)
	}
	if _, err := Inspect(pdfHeader, "registrations/u1/ktm.pdf"); err != nil {
		t.Fatalf("pdf rejected: %v", err)
	}
}

func TestInspectRejectsBadInput(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
		path string
		want error
	}{
		{"empty", nil, "a/b.png", ErrEmpty},
		{"text", []byte("just text"), "a/b.txt", ErrUnsupportedType},
		{"traversal", pngHeader, "../etc/passwd", ErrInvalidPath},
		{"blank path", pngHeader, "/", ErrInvalidPath},
		{"spaces", pngHeader, "a/b c.png", ErrInvalidPath},
		{"too large", make([]byte, MaxUploadBytes+1), "a/b.png", ErrTooLarge},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := Inspect(testCase.data, testCase.path); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestMemoryStoreReturnsURL(t *testing.T) {
	store := NewMemoryStore("http://localhost:8080/files/")
	url, err := store.UploadFile(context.Background(), pngHeader, "/registrations/u1/photo.png")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if url != "http://localhost:8080/files/registrations/u1/photo.png" {
		t.Fatalf("unexpected url %s", url)
	}
	stored, ok := store.Object("registrations/u1/photo.png")
	if !ok || len(stored) != len(pngHeader) {
		t.Fatalf("expected stored object")
	}
}

func TestCloudinaryStoreUploadsIntoFolder(t *testing.T) {
	fake := &recordingUploader{}
	store := NewCloudinaryStoreWithUploader(fake, "/oprec/")

	url, err := store.UploadFile(context.Background(), pngHeader, "registrations/u1/proof.png")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if fake.params.Folder != "oprec/registrations/u1" {
		t.Fatalf("unexpected folder %q", fake.params.Folder)
	}
	if fake.params.PublicID != "proof" || fake.params.ResourceType != "image" {
		t.Fatalf("unexpected params %+v", fake.params)
	}
	if url != "https://res.cloudinary.com/demo/oprec/registrations/u1/proof" {
		t.Fatalf("unexpected url %s", url)
	}
	if string(fake.payload) != string(pngHeader) {
		t.Fatalf("payload mismatch")
	}

	if _, err := store.UploadFile(context.Background(), pdfHeader, "logbooks/l1/report.pdf"); err != nil {
		t.Fatalf("pdf upload: %v", err)
	}
	if fake.params.ResourceType != "raw" || fake.params.PublicID != "report.pdf" {
		t.Fatalf("expected raw resource for pdf, got %+v", fake.params)
	}
}

func TestCloudinaryStoreWrapsUploadErrors(t *testing.T) {
	store := NewCloudinaryStoreWithUploader(&recordingUploader{err: errors.New("quota exceeded")}, "oprec")
	if _, err := store.UploadFile(context.Background(), pngHeader, "a/b.png"); err == nil {
		t.Fatalf("expected upload error")
	}
	if _, err := NewCloudinaryStore(" ", "oprec"); !errors.Is(err, errMissingCloudinaryURL) {
		t.Fatalf("expected missing url error, got %v", err)
	}
}
