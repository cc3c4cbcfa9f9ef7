package ra

import "regexp"

// Format predicates. These run before any database access; a failure maps
// to a typed error and nothing is persisted.
var (
	avatarPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{2,39}$`)
	emailPattern  = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	worldPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,39}$`)
	codePattern   = regexp.MustCompile(`^[0-9a-f]{15}$`)
)

func validAvatar(avatar string) bool {
	return avatarPattern.MatchString(avatar)
}

func validEmail(email string) bool {
	return len(email) <= 254 && emailPattern.MatchString(email)
}

func validWorld(world string) bool {
	return worldPattern.MatchString(world)
}

func validPassword(password string) bool {
	return len(password) >= 8 && len(password) <= 128
}

func validCode(code string) bool {
	return codePattern.MatchString(code)
}
