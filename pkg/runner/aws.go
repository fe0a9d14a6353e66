package runner

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/tendant/simple-content/pkg/simplecontent/presets"

	"github.com/tendant/face-index-pipeline/internal/config"
	"github.com/tendant/face-index-pipeline/internal/logger"
	"github.com/tendant/face-index-pipeline/internal/storage"
)

// embeddedOwner owns every object written to the embedded content store
var embeddedOwner = uuid.NewSHA1(uuid.NameSpaceURL, []byte("face-index-pipeline"))

// awsClients holds the service clients built from one SDK config
type awsClients struct {
	s3          *s3.Client
	sqs         *sqs.Client
	rekognition *rekognition.Client
	dynamodb    *dynamodb.Client
}

func loadAWS(ctx context.Context, cfg config.AWSConfig) (*awsClients, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if cfg.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return &awsClients{
		s3: s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			// localstack and other emulators serve buckets by path
			o.UsePathStyle = cfg.Endpoint != ""
		}),
		sqs:         sqs.NewFromConfig(awsCfg),
		rekognition: rekognition.NewFromConfig(awsCfg),
		dynamodb:    dynamodb.NewFromConfig(awsCfg),
	}, nil
}

// newObjectStore picks the configured backend. The returned cleanup must be
// called on shutdown.
func newObjectStore(cfg config.StorageConfig, clients *awsClients, log *logger.Logger) (storage.ObjectStore, func(), error) {
	switch cfg.ObjectStore {
	case config.ObjectStoreEmbedded:
		svc, cleanup, err := presets.NewDevelopment(
			presets.WithDevStorage(cfg.ContentDir),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize simple-content service: %w", err)
		}
		log.Info("using embedded object store", "dir", cfg.ContentDir)
		return storage.NewContentStore(svc, embeddedOwner, embeddedOwner), cleanup, nil
	default:
		log.Info("using s3 object store", "bucket", cfg.PhotoBucket)
		return storage.NewS3Store(clients.s3, cfg.PhotoBucket), func() {}, nil
	}
}

// newFileSource reads job file references from the upload directory, or over
// http(s) for presigned URLs
func newFileSource(cfg config.StorageConfig) (storage.FileSource, error) {
	local, err := storage.NewFilesystemSource(cfg.UploadDir)
	if err != nil {
		return nil, err
	}
	return &storage.RoutingSource{Local: local, Remote: storage.NewHTTPSource(nil)}, nil
}
