// Пакет rbac — определение роли пользователя по группам и ролям IdP.
// Итоговая роль — максимальная из всех совпадений.
package rbac

// Роли в порядке возрастания привилегий.
const (
	RoleReadonly  = "readonly"
	RoleTreasurer = "tesorero"
	RoleAdmin     = "admin"
)

// roleWeight — вес роли для сравнения.
var roleWeight = map[string]int{
	RoleReadonly:  1,
	RoleTreasurer: 2,
	RoleAdmin:     3,
}

// GroupMapping — группы IdP, дающие каждую из ролей.
type GroupMapping struct {
	Admin     []string
	Treasurer []string
	Readonly  []string
}

// maxRole возвращает роль с максимальными привилегиями из двух.
func maxRole(a, b string) string {
	if roleWeight[a] >= roleWeight[b] {
		return a
	}
	return b
}

// HighestRole возвращает максимальную роль из набора.
// Если набор пуст — возвращает пустую строку.
func HighestRole(roles []string) string {
	if len(roles) == 0 {
		return ""
	}
	highest := roles[0]
	for _, r := range roles[1:] {
		highest = maxRole(highest, r)
	}
	return highest
}

// MapGroupsToRole определяет роль пользователя по его группам IdP.
// Если ни одна группа не совпала — возвращает пустую строку.
func MapGroupsToRole(groups []string, m GroupMapping) string {
	adminSet := toSet(m.Admin)
	treasurerSet := toSet(m.Treasurer)
	readonlySet := toSet(m.Readonly)

	var roles []string
	for _, g := range groups {
		if adminSet[g] {
			roles = append(roles, RoleAdmin)
		}
		if treasurerSet[g] {
			roles = append(roles, RoleTreasurer)
		}
		if readonlySet[g] {
			roles = append(roles, RoleReadonly)
		}
	}

	return HighestRole(roles)
}

// IsValidRole проверяет, является ли строка допустимой ролью.
func IsValidRole(role string) bool {
	_, ok := roleWeight[role]
	return ok
}

// toSet конвертирует срез строк в map для быстрого поиска.
func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, item := range items {
		s[item] = true
	}
	return s
}
