package grpc

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/costwise/session-security-service/internal/adapters/security"
	"github.com/costwise/session-security-service/internal/application"
	"github.com/costwise/session-security-service/internal/domain"
)

// SessionInternalService is the service-to-service surface for sibling
// backends that cannot go through HTTP. Requests and responses are
// structpb payloads against a handwritten descriptor, so the module carries
// no generated contract code.
type SessionInternalService interface {
	ValidateSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RegisterSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	InvalidateUserSessions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRolePermissions(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type SessionInternalServer struct {
	service *application.Service
}

func NewSessionInternalServer(service *application.Service) *SessionInternalServer {
	return &SessionInternalServer{service: service}
}

const fullServiceName = "costwise.sessionsecurity.v1.SessionInternalService"

func Register(server grpc.ServiceRegistrar, svc SessionInternalService) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: fullServiceName,
		HandlerType: (*SessionInternalService)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "ValidateSession",
				Handler:    structHandler("ValidateSession", SessionInternalService.ValidateSession),
			},
			{
				MethodName: "RegisterSession",
				Handler:    structHandler("RegisterSession", SessionInternalService.RegisterSession),
			},
			{
				MethodName: "InvalidateUserSessions",
				Handler:    structHandler("InvalidateUserSessions", SessionInternalService.InvalidateUserSessions),
			},
			{
				MethodName: "GetRolePermissions",
				Handler:    structHandler("GetRolePermissions", SessionInternalService.GetRolePermissions),
			},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "costwise/sessionsecurity/v1/session_internal.proto",
	}, svc)
}

func (s *SessionInternalServer) ValidateSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token := stringField(req, "token")
	if token == "" {
		return nil, status.Error(codes.InvalidArgument, "missing token")
	}
	device := security.ResolveDevice(stringField(req, "user_agent"), stringField(req, "ip_address"))

	claims, validation, err := s.service.ValidateRequest(ctx, token, device, application.ValidateOptions{})
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	if !validation.Valid {
		return newStruct(map[string]any{
			"valid":  false,
			"reason": string(validation.Reason),
			"action": string(validation.Action),
		})
	}

	s.service.UpdateSessionActivity(ctx, claims.SessionToken)
	return newStruct(map[string]any{
		"valid":      true,
		"user_id":    claims.UserID.String(),
		"role":       claims.Role,
		"expires_at": claims.ExpiresAt.Unix(),
	})
}

func (s *SessionInternalServer) RegisterSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := uuid.Parse(stringField(req, "user_id"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid user_id")
	}
	userAgent := stringField(req, "user_agent")
	ipAddress := stringField(req, "ip_address")

	res, err := s.service.RegisterSession(ctx, application.RegisterSessionRequest{
		UserID:     userID,
		UserAgent:  userAgent,
		IPAddress:  ipAddress,
		TTLSeconds: int64(numberField(req, "ttl_seconds")),
	}, security.ResolveDevice(userAgent, ipAddress))
	if err != nil {
		return nil, mapServiceError(err)
	}

	return newStruct(map[string]any{
		"token":            res.Token,
		"session_token":    res.SessionToken,
		"expires_at":       res.ExpiresAt.Unix(),
		"device_trusted":   res.DeviceTrusted,
		"security_level":   res.SecurityLevel,
		"evicted_sessions": res.EvictedSessions,
		"fingerprint":      res.Device.Fingerprint,
	})
}

func (s *SessionInternalServer) InvalidateUserSessions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := uuid.Parse(stringField(req, "user_id"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid user_id")
	}
	reason := domain.InvalidationReason(stringField(req, "reason"))
	if reason == "" {
		reason = domain.InvalidationSecurityEvent
	}

	count, err := s.service.InvalidateAllSessions(ctx, userID, reason)
	if err != nil {
		return nil, mapServiceError(err)
	}
	return newStruct(map[string]any{
		"sessions_invalidated": count,
	})
}

func (s *SessionInternalServer) GetRolePermissions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	role := stringField(req, "role")
	if role == "" {
		return nil, status.Error(codes.InvalidArgument, "missing role")
	}

	perms, err := s.service.GetRolePermissions(ctx, role)
	if err != nil {
		return nil, mapServiceError(err)
	}
	values := make([]any, 0, len(perms))
	for _, p := range perms {
		values = append(values, p)
	}
	return newStruct(map[string]any{
		"role":        role,
		"permissions": values,
	})
}

func mapServiceError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, "resource not found")
	case errors.Is(err, domain.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "invalid credentials")
	case errors.Is(err, domain.ErrBackendUnavailable):
		return status.Error(codes.Unavailable, "dependency unavailable")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

func stringField(req *structpb.Struct, name string) string {
	if v := req.GetFields()[name]; v != nil {
		return v.GetStringValue()
	}
	return ""
}

func numberField(req *structpb.Struct, name string) float64 {
	if v := req.GetFields()[name]; v != nil {
		return v.GetNumberValue()
	}
	return 0
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	resp, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return resp, nil
}

func structHandler(method string, call func(SessionInternalService, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + fullServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		svc, ok := srv.(SessionInternalService)
		if !ok {
			return nil, status.Error(codes.Internal, "invalid server type")
		}
		req := &structpb.Struct{}
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(svc, ctx, req)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			typed, ok := req.(*structpb.Struct)
			if !ok {
				return nil, status.Error(codes.InvalidArgument, "invalid request type")
			}
			return call(svc, ctx, typed)
		}
		return interceptor(ctx, req, info, handler)
	}
}
