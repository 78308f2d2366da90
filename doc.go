// Package klog ships application log records to a KLog endpoint.
//
// Records pushed from any goroutine pass through down-sampling and an
// optional rate limit, wait in a bounded queue, and are grouped per
// (project, pool) into batches that are sealed after 2 seconds, 3 MB of
// encoded data or 4096 records. Each batch is encoded as a protobuf
// LogGroup, compressed (LZ4 by default), signed and sent with retry.
//
//	client, err := klog.New("klog.example.com", accessKey, secretKey)
//	if err != nil {
//		return err
//	}
//	defer client.Close(context.Background())
//
//	client.Push("project", "pool", "hello")
//	client.PushFields("project", "pool",
//		klog.Field{Key: "status", Value: 200},
//		klog.Field{Key: "path", Value: "/index"},
//	)
//	client.FlushTimeout(5 * time.Second)
//
// Delivery is best effort. Records are dropped when the queue is full in
// drop mode, when a record exceeds the service limits, when a batch cannot
// be encoded, on non-retryable responses and when retries run out. Every
// drop is counted in Stats and in the client's Prometheus registry.
package klog
