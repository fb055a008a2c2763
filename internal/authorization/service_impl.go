package authorization

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

//go:embed model.conf
var modelText string

const (
	ObjectQuota       = "quota"
	ObjectUsage       = "usage"
	ObjectJob         = "job"
	ObjectApplication = "application"
	ObjectProfile     = "candidate_profile"
	ObjectTask        = "task"
	ObjectMember      = "member"
)

const (
	ActionQuotaView   = "quota.view"
	ActionQuotaManage = "quota.manage"

	ActionUsageView  = "usage.view"
	ActionUsageTrack = "usage.track"

	ActionJobView   = "job.view"
	ActionJobCreate = "job.create"
	ActionJobManage = "job.manage"
	ActionJobMatch  = "job.match"

	ActionApplicationView   = "application.view"
	ActionApplicationManage = "application.manage"

	ActionProfileCreate = "candidate_profile.create"

	ActionTaskView = "task.view"

	ActionMemberManage = "member.manage"
)

const (
	actorSystem     = "system"
	actorUserPrefix = "user:"
	roleSystem      = "role:system"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		db:       p.DB,
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor, orgID, object, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return ErrInvalidOrganization
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	roleName, err := s.resolveRole(ctx, actor, orgID)
	if err != nil {
		s.logDenied(actor, orgID, object, action, err)
		return err
	}

	domain := fmt.Sprintf("org:%s", orgID)
	if err := s.ensureGrouping(actor, roleName, domain); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(actor, domain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.logDenied(actor, orgID, object, action, ErrForbidden)
		return ErrForbidden
	}
	return nil
}

func (s *ServiceImpl) SetMember(ctx context.Context, orgID, userID string, role Role) error {
	orgID = strings.TrimSpace(orgID)
	userID = strings.TrimSpace(userID)
	if orgID == "" {
		return ErrInvalidOrganization
	}
	if userID == "" {
		return ErrInvalidActor
	}
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}

	member := Member{OrgID: orgID, UserID: userID, Role: role, CreatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role"}),
		}).
		Create(&member).Error
	if err != nil {
		return err
	}
	s.log.Info("organization member role set",
		zap.String("org_id", orgID),
		zap.String("user_id", userID),
		zap.String("role", string(role)),
	)
	return nil
}

func (s *ServiceImpl) resolveRole(ctx context.Context, actor, orgID string) (string, error) {
	if actor == actorSystem {
		return roleSystem, nil
	}
	if !strings.HasPrefix(actor, actorUserPrefix) {
		return "", ErrInvalidActor
	}
	userID := strings.TrimSpace(strings.TrimPrefix(actor, actorUserPrefix))
	if userID == "" {
		return "", ErrInvalidActor
	}

	var member Member
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND user_id = ?", orgID, userID).
		Take(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrForbidden
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("role:%s", strings.ToLower(string(member.Role))), nil
}

// ensureGrouping keeps exactly one role link per subject and domain, so a
// changed membership role replaces the cached one.
func (s *ServiceImpl) ensureGrouping(subject, roleName, domain string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", domain)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == roleName {
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		_, _ = s.enforcer.RemoveGroupingPolicy(params...)
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName, domain)
	return err
}

func (s *ServiceImpl) logDenied(actor, orgID, object, action string, err error) {
	s.log.Warn("authorization denied",
		zap.String("actor", actor),
		zap.String("org_id", orgID),
		zap.String("object", object),
		zap.String("action", action),
		zap.Error(err),
	)
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	memberPolicies := [][]string{
		{ObjectQuota, ActionQuotaView},
		{ObjectUsage, ActionUsageView},
		{ObjectJob, ActionJobView},
		{ObjectApplication, ActionApplicationView},
	}
	recruiterPolicies := append([][]string{
		{ObjectJob, ActionJobCreate},
		{ObjectJob, ActionJobManage},
		{ObjectJob, ActionJobMatch},
		{ObjectApplication, ActionApplicationManage},
		{ObjectProfile, ActionProfileCreate},
		{ObjectUsage, ActionUsageTrack},
	}, memberPolicies...)
	adminPolicies := append([][]string{
		{ObjectTask, ActionTaskView},
	}, recruiterPolicies...)
	ownerPolicies := append([][]string{
		{ObjectQuota, ActionQuotaManage},
		{ObjectMember, ActionMemberManage},
	}, adminPolicies...)
	systemPolicies := ownerPolicies

	byRole := map[string][][]string{
		"role:member":    memberPolicies,
		"role:recruiter": recruiterPolicies,
		"role:admin":     adminPolicies,
		"role:owner":     ownerPolicies,
		roleSystem:       systemPolicies,
	}
	for role, policies := range byRole {
		for _, policy := range policies {
			has, err := enforcer.HasPolicy(role, policy[0], policy[1])
			if err != nil {
				return err
			}
			if has {
				continue
			}
			if _, err := enforcer.AddPolicy(role, policy[0], policy[1]); err != nil {
				return err
			}
		}
	}
	return nil
}
