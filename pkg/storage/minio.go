// Package storage 提供了与对象存储服务（如 MinIO）交互的功能。
package storage

import (
	"context"
	"io"
	"time"

	"docqa-go/internal/config"
	"docqa-go/pkg/log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioClient 是一个全局的 MinIO 客户端实例。
var MinioClient *minio.Client

// InitMinIO 初始化 MinIO 客户端并确保指定的存储桶存在。
func InitMinIO(cfg config.MinIOConfig) {
	var err error

	MinioClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatal("初始化 MinIO 客户端失败", err)
	}

	log.Info("MinIO 客户端初始化成功")

	// 检查存储桶是否存在，如果不存在则创建
	ctx := context.Background()
	bucketName := cfg.BucketName
	exists, err := MinioClient.BucketExists(ctx, bucketName)
	if err != nil {
		log.Fatal("检查 MinIO 存储桶失败", err)
	}

	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", bucketName)
		err = MinioClient.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{})
		if err != nil {
			log.Fatal("创建 MinIO 存储桶失败", err)
		}
		log.Infof("存储桶 '%s' 创建成功", bucketName)
	} else {
		log.Infof("存储桶 '%s' 已存在", bucketName)
	}
}

// PutObject 将一段内容写入指定对象。
func PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, size int64, contentType string) error {
	_, err := MinioClient.PutObject(ctx, bucketName, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

// GetObject 读取指定对象的内容流，调用方负责关闭。
func GetObject(ctx context.Context, bucketName, objectName string) (io.ReadCloser, error) {
	return MinioClient.GetObject(ctx, bucketName, objectName, minio.GetObjectOptions{})
}

// RemoveObject 删除指定对象。
func RemoveObject(ctx context.Context, bucketName, objectName string) error {
	return MinioClient.RemoveObject(ctx, bucketName, objectName, minio.RemoveObjectOptions{})
}

// GetPresignedURL 为指定对象生成限时下载链接。
func GetPresignedURL(bucketName, objectName string, expiry time.Duration) (string, error) {
	presignedURL, err := MinioClient.PresignedGetObject(context.Background(), bucketName, objectName, expiry, nil)
	if err != nil {
		log.Errorf("Error generating presigned URL: %s", err)
		return "", err
	}
	return presignedURL.String(), nil
}

// BucketStore 绑定一个存储桶，提供按对象名读取完整内容的能力。
type BucketStore struct {
	Bucket string
}

// NewBucketStore 创建一个绑定指定存储桶的 BucketStore。
func NewBucketStore(bucket string) *BucketStore {
	return &BucketStore{Bucket: bucket}
}

// Fetch 读取对象的完整内容。
func (s *BucketStore) Fetch(ctx context.Context, objectName string) ([]byte, error) {
	obj, err := GetObject(ctx, s.Bucket, objectName)
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}
