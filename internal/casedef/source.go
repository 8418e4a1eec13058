package casedef

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"gopkg.in/yaml.v3"
)

// Source fetches the raw JSON document for a case id.
type Source interface {
	Fetch(ctx context.Context, caseID string) ([]byte, error)
}

// DirSource reads <dir>/<id>.json, .yaml or .yml. YAML documents are
// converted to JSON before validation.
type DirSource struct {
	Dir string
}

func NewDirSource(dir string) *DirSource {
	return &DirSource{Dir: dir}
}

func (s *DirSource) Fetch(_ context.Context, caseID string) ([]byte, error) {
	if caseID == "" || filepath.Base(caseID) != caseID {
		return nil, fmt.Errorf("%w: %q", ErrCaseNotFound, caseID)
	}
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		raw, err := os.ReadFile(filepath.Join(s.Dir, caseID+ext))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read case %s: %w", caseID, err)
		}
		if ext == ".json" {
			return raw, nil
		}
		return yamlToJSON(raw)
	}
	return nil, fmt.Errorf("%w: %q", ErrCaseNotFound, caseID)
}

func yamlToJSON(raw []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: yaml: %v", ErrCaseInvalid, err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: yaml to json: %v", ErrCaseInvalid, err)
	}
	return out, nil
}

// S3API is the subset of the S3 client the source uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads s3://<bucket>/<prefix>/<id>.json.
type S3Source struct {
	client S3API
	bucket string
	prefix string
}

func NewS3Source(client S3API, bucket, prefix string) *S3Source {
	return &S3Source{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Source) Fetch(ctx context.Context, caseID string) ([]byte, error) {
	key := path.Join(s.prefix, caseID+".json")
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %q", ErrCaseNotFound, caseID)
		}
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return data, nil
}

// PostgresSource reads the content column of the cases table, which the
// authoring pipeline owns.
type PostgresSource struct {
	db *sql.DB
}

func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (s *PostgresSource) Fetch(ctx context.Context, caseID string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx, `SELECT content FROM cases WHERE id = $1`, caseID).Scan(&content)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %q", ErrCaseNotFound, caseID)
		}
		return nil, err
	}
	return content, nil
}
