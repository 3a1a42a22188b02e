package grpc

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"uptime/internal/logger"
	"uptime/internal/models"
	"uptime/internal/monitor"
	"uptime/internal/repository"
	"uptime/internal/zabbix"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "uptime.v1.UptimeService"

	methodRunSweep         = "/" + ServiceName + "/RunSweep"
	methodGetMonitorStatus = "/" + ServiceName + "/GetMonitorStatus"
	methodIngestAlert      = "/" + ServiceName + "/IngestAlert"

	statusWindow = 30 * 24 * time.Hour
)

// UptimeServer is the gRPC control and ingest surface.
type UptimeServer interface {
	RunSweep(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetMonitorStatus(context.Context, *wrapperspb.UInt64Value) (*structpb.Struct, error)
	IngestAlert(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type Sweeper interface {
	RunDueChecks(ctx context.Context, now time.Time) (monitor.Summary, error)
}

type MonitorReader interface {
	Get(ctx context.Context, id uint) (*models.Monitor, error)
	Stats(ctx context.Context, monitorID uint, since time.Time) (*repository.UptimeStats, error)
}

type AlertIngestor interface {
	Ingest(ctx context.Context, payload map[string]any) (*zabbix.Result, error)
}

type Server struct {
	sweeper  Sweeper
	monitors MonitorReader
	ingestor AlertIngestor
	now      func() time.Time
}

func NewServer(sweeper Sweeper, monitors MonitorReader, ingestor AlertIngestor) *Server {
	return &Server{
		sweeper:  sweeper,
		monitors: monitors,
		ingestor: ingestor,
		now:      time.Now,
	}
}

// NewGRPCServer builds a grpc.Server with the service registered.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(recoveryInterceptor, loggingInterceptor),
	}, opts...)
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&ServiceDesc, s)
	return gs
}

func (s *Server) RunSweep(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	summary, err := s.sweeper.RunDueChecks(ctx, s.now())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "sweep failed: %v", err)
	}
	return structpb.NewStruct(map[string]any{
		"enabled": summary.Enabled,
		"due":     summary.Due,
		"checked": summary.Checked,
		"skipped": summary.Skipped,
		"failed":  summary.Failed,
	})
}

func (s *Server) GetMonitorStatus(ctx context.Context, req *wrapperspb.UInt64Value) (*structpb.Struct, error) {
	id := uint(req.GetValue())
	if id == 0 {
		return nil, status.Error(codes.InvalidArgument, "monitor id is required")
	}

	m, err := s.monitors.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, status.Errorf(codes.NotFound, "monitor %d not found", id)
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "load monitor: %v", err)
	}

	stats, err := s.monitors.Stats(ctx, id, s.now().Add(-statusWindow))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "load stats: %v", err)
	}

	fields := map[string]any{
		"id":              int64(m.ID),
		"name":            m.Name,
		"type":            string(m.Type),
		"target":          m.Target,
		"status":          string(m.CurrentStatus),
		"enabled":         m.Enabled,
		"checks":          stats.Total,
		"uptime_percent":  stats.UptimePercent,
		"avg_response_ms": stats.AvgResponseMs,
	}
	if m.LastCheckedAt != nil {
		fields["last_checked_at"] = m.LastCheckedAt.UTC().Format(time.RFC3339)
	}
	return structpb.NewStruct(fields)
}

// IngestAlert accepts the same payloads as the webhook. Malformed payloads
// are acknowledged with outcome "dropped".
func (s *Server) IngestAlert(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.ingestor.Ingest(ctx, req.AsMap())
	if err != nil && !errors.Is(err, zabbix.ErrMalformedPayload) {
		return nil, status.Errorf(codes.Internal, "ingest failed: %v", err)
	}

	fields := map[string]any{"received": true}
	if res != nil {
		fields["outcome"] = string(res.Outcome)
		if res.EventID != 0 {
			fields["event_id"] = int64(res.EventID)
		}
		if res.ExternalEventID != "" {
			fields["external_event_id"] = res.ExternalEventID
		}
	}
	return structpb.NewStruct(fields)
}

func recoveryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("gRPC handler panic",
				zap.String("method", info.FullMethod),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = status.Error(codes.Internal, "internal error")
		}
	}()
	return handler(ctx, req)
}

func loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.Duration("latency", time.Since(start)),
		zap.String("code", status.Code(err).String()),
	}
	if err != nil {
		logger.Warn("gRPC request failed", append(fields, zap.Error(err))...)
	} else {
		logger.Debug("gRPC request", fields...)
	}
	return resp, err
}
