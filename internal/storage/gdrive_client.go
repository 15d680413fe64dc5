package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

const folderMimeType = "application/vnd.google-apps.folder"

// PublishedFile is one artifact handed to a publisher.
type PublishedFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// DriveClient publishes finished call artifacts to Google Drive
type DriveClient struct {
	service    *drive.Service
	folderName string
	folderID   string
}

// NewDriveClient creates a new Google Drive client. The OAuth token must
// already exist in tokenFile; the server never prompts for one.
func NewDriveClient(ctx context.Context, credentialsFile, tokenFile, folderName string) (*DriveClient, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, drive.DriveFileScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}

	tok, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("unable to load oauth token from %s: %w", tokenFile, err)
	}

	srv, err := drive.NewService(ctx, option.WithHTTPClient(config.Client(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Drive service: %w", err)
	}

	dc := &DriveClient{
		service:    srv,
		folderName: folderName,
	}

	id, err := dc.findOrCreateFolder(ctx, folderName, "")
	if err != nil {
		return nil, fmt.Errorf("unable to prepare folder %s: %w", folderName, err)
	}
	dc.folderID = id

	return dc, nil
}

// tokenFromFile retrieves a token from a local file
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// Publish uploads the files of one call into <folder>/YYYY/MM/DD/<callName>/
// and returns a link to the first file.
func (dc *DriveClient) Publish(ctx context.Context, callName string, files []PublishedFile) (string, error) {
	if len(files) == 0 {
		return "", fmt.Errorf("nothing to publish for %s", callName)
	}

	now := time.Now()
	parent := dc.folderID
	for _, name := range []string{
		fmt.Sprintf("%d", now.Year()),
		fmt.Sprintf("%02d", now.Month()),
		fmt.Sprintf("%02d", now.Day()),
		sanitizeName(callName),
	} {
		id, err := dc.findOrCreateFolder(ctx, name, parent)
		if err != nil {
			return "", err
		}
		parent = id
	}

	var firstID string
	for _, f := range files {
		meta := &drive.File{
			Name:     sanitizeName(f.Name),
			Parents:  []string{parent},
			MimeType: f.ContentType,
		}
		created, err := dc.service.Files.Create(meta).Media(bytes.NewReader(f.Data)).Fields("id").Context(ctx).Do()
		if err != nil {
			return "", fmt.Errorf("failed to upload %s: %w", f.Name, err)
		}
		if firstID == "" {
			firstID = created.Id
		}
	}

	return fmt.Sprintf("https://drive.google.com/file/d/%s/view", firstID), nil
}

// findOrCreateFolder finds or creates a folder with the given parent
func (dc *DriveClient) findOrCreateFolder(ctx context.Context, name, parentID string) (string, error) {
	query := fmt.Sprintf("name='%s' and mimeType='%s' and trashed=false", escapeQuery(name), folderMimeType)
	if parentID != "" {
		query += fmt.Sprintf(" and '%s' in parents", escapeQuery(parentID))
	}

	r, err := dc.service.Files.List().Q(query).Spaces("drive").Fields("files(id)").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("unable to search for folder %s: %w", name, err)
	}
	if len(r.Files) > 0 {
		return r.Files[0].Id, nil
	}

	folder := &drive.File{
		Name:     name,
		MimeType: folderMimeType,
	}
	if parentID != "" {
		folder.Parents = []string{parentID}
	}

	file, err := dc.service.Files.Create(folder).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("unable to create folder %s: %w", name, err)
	}
	return file.Id, nil
}

// ArtifactFiles collects the published files of a call from the blob store,
// skipping any that do not exist.
func ArtifactFiles(ctx context.Context, store BlobStore, keys ...string) ([]PublishedFile, error) {
	var files []PublishedFile
	for _, key := range keys {
		data, err := store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		files = append(files, PublishedFile{Name: path.Base(key), ContentType: "application/json", Data: data})
	}
	return files, nil
}

func escapeQuery(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `'`, `\'`)
}

// sanitizeName strips path separators and limits length
func sanitizeName(name string) string {
	name = strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(name)
	if len(name) > 100 {
		name = name[:100]
	}
	if name == "" {
		name = "untitled"
	}
	return name
}
