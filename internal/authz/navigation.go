package authz

import (
	"context"

	"github.com/maqalati/server/types"
)

// NavItem is one entry of the admin panel sidebar.
type NavItem struct {
	Key   string `json:"key"`
	Title string `json:"title"`
	Path  string `json:"path"`
	Icon  string `json:"icon"`
}

type navEntry struct {
	item NavItem
	// roles restricts the entry; nil means every panel user.
	roles []types.Role
}

var navigation = []navEntry{
	{item: NavItem{Key: "dashboard", Title: "لوحة التحكم", Path: "/admin/dashboard", Icon: "📊"}},
	{item: NavItem{Key: "users", Title: "المستخدمين", Path: "/admin/users", Icon: "👥"}, roles: []types.Role{types.RoleAdmin}},
	{item: NavItem{Key: "moderators", Title: "المشرفين", Path: "/admin/moderators", Icon: "🛡️"}, roles: []types.Role{types.RoleAdmin}},
	{item: NavItem{Key: "articles", Title: "المقالات", Path: "/admin/articles", Icon: "📝"}},
	{item: NavItem{Key: "categories", Title: "التصنيفات", Path: "/admin/categories", Icon: "📁"}},
	{item: NavItem{Key: "settings", Title: "الإعدادات", Path: "/admin/settings", Icon: "⚙️"}, roles: []types.Role{types.RoleAdmin}},
}

// Navigation returns the sidebar entries visible to the current user. Users
// without dashboard access get nothing.
func Navigation(ctx context.Context) []NavItem {
	if !HasPermission(ctx, ViewDashboard) {
		return []NavItem{}
	}
	items := make([]NavItem, 0, len(navigation))
	for _, entry := range navigation {
		if entry.roles != nil && !HasRole(ctx, entry.roles...) {
			continue
		}
		items = append(items, entry.item)
	}
	return items
}

// RoleLabel is the Arabic name of a role shown in the panel.
func RoleLabel(role types.Role) string {
	switch role {
	case types.RoleAdmin:
		return "مدير"
	case types.RoleModerator:
		return "مشرف"
	case types.RoleMember:
		return "عضو"
	default:
		return "زائر"
	}
}
