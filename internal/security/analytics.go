package security

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// Complexity scoring constants. Score = 2*permissions + 3*categories, plus a
// flat bump once a role is assigned to more than ten users.
const (
	permissionWeight        = 2
	categoryWeight          = 3
	assignmentBump          = 5
	assignmentBumpThreshold = 10

	highComplexityScore   = 50
	mediumComplexityScore = 25

	splitRecommendationThreshold    = 20
	categoryRecommendationThreshold = 5
	usageRecommendationThreshold    = 50

	underusedPercentage = 5.0
	dashboardUsageLimit = 10
	dashboardRolesLimit = 5
	underusedLimit      = 5
)

// Analytics provides read-only reporting over the persisted graph. Dashboard
// computation is cached and collapsed so concurrent callers share one load.
type Analytics struct {
	repo   RepositoryPort
	cache  *DashboardCache
	group  singleflight.Group
	logger *slog.Logger
}

// NewAnalytics builds the reporting service. cache may be nil to disable
// caching.
func NewAnalytics(repo RepositoryPort, cache *DashboardCache, logger *slog.Logger) *Analytics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analytics{repo: repo, cache: cache, logger: logger}
}

// AnalyzeRoleComplexity derives the complexity report for one role. The
// three recommendations are independent checks and can all fire at once.
func (a *Analytics) AnalyzeRoleComplexity(ctx context.Context, roleID int64) (RoleComplexity, error) {
	role, err := a.repo.GetRole(ctx, roleID)
	if err != nil {
		return RoleComplexity{}, err
	}

	details, err := a.repo.ListRolePermissionDetails(ctx, roleID)
	if err != nil {
		return RoleComplexity{}, err
	}
	assignments, err := a.repo.ActiveAssignmentCount(ctx, roleID)
	if err != nil {
		return RoleComplexity{}, err
	}

	distribution := make(map[string]int)
	for _, d := range details {
		distribution[d.Permission.Category]++
	}

	score := len(details)*permissionWeight + len(distribution)*categoryWeight
	if assignments > assignmentBumpThreshold {
		score += assignmentBump
	}

	level := "Low"
	switch {
	case score > highComplexityScore:
		level = "High"
	case score > mediumComplexityScore:
		level = "Medium"
	}

	var recommendations []string
	if len(details) > splitRecommendationThreshold {
		recommendations = append(recommendations, "Consider splitting this role into multiple smaller roles")
	}
	if len(distribution) > categoryRecommendationThreshold {
		recommendations = append(recommendations, "Role spans too many categories, consider specialization")
	}
	if assignments > usageRecommendationThreshold {
		recommendations = append(recommendations, "High assignment count, ensure permissions are necessary")
	}

	return RoleComplexity{
		RoleName:             role.Name,
		PermissionCount:      len(details),
		CategoryCount:        len(distribution),
		CategoryDistribution: distribution,
		AssignmentCount:      assignments,
		ComplexityScore:      score,
		ComplexityLevel:      level,
		Recommendations:      recommendations,
	}, nil
}

// Statistics returns the aggregate block of the dashboard on its own.
func (a *Analytics) Statistics(ctx context.Context) (RoleStatistics, error) {
	return a.repo.RoleStatistics(ctx)
}

// Dashboard assembles aggregate statistics, the top permissions and roles by
// usage, and the permissions granted to fewer than five percent of users.
func (a *Analytics) Dashboard(ctx context.Context) (Dashboard, error) {
	result, err, _ := a.group.Do(DashboardCacheKey, func() (any, error) {
		var dash Dashboard
		if a.cache != nil {
			err := a.cache.Fetch(ctx, DashboardCacheKey, &dash, func(ctx context.Context) (any, error) {
				return a.buildDashboard(ctx)
			})
			return dash, err
		}
		return a.buildDashboard(ctx)
	})
	if err != nil {
		return Dashboard{}, err
	}
	return result.(Dashboard), nil
}

// RefreshDashboard recomputes the dashboard and rewrites the cache entry.
// Used by the background warmup job.
func (a *Analytics) RefreshDashboard(ctx context.Context) error {
	dash, err := a.buildDashboard(ctx)
	if err != nil {
		return err
	}
	if a.cache == nil {
		return nil
	}
	return a.cache.Store(ctx, DashboardCacheKey, dash)
}

func (a *Analytics) buildDashboard(ctx context.Context) (Dashboard, error) {
	stats, err := a.repo.RoleStatistics(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	usage, err := a.repo.PermissionUsage(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	popular, err := a.repo.MostUsedRoles(ctx, dashboardRolesLimit)
	if err != nil {
		return Dashboard{}, err
	}

	top := usage
	if len(top) > dashboardUsageLimit {
		top = top[:dashboardUsageLimit]
	}

	var underused []PermissionUsage
	for _, u := range usage {
		if u.UsagePercentage < underusedPercentage {
			underused = append(underused, u)
			if len(underused) == underusedLimit {
				break
			}
		}
	}

	return Dashboard{
		Statistics:           stats,
		PermissionUsage:      top,
		PopularRoles:         popular,
		UnderusedPermissions: underused,
	}, nil
}
