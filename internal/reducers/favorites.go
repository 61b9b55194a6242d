package reducers

import "github.com/roach88/compose/internal/ir"

// Favorite action types.
const (
	Favorite   = "FavoriteAction"
	Unfavorite = "UnfavoriteAction"
)

func emptyFavorites() ir.Object {
	return ir.Object{"articles": ir.Object{}, "users": ir.Object{}}
}

// Favorites reduces {articles: {slug: {userId: bool}}, users: {userId:
// {slug: bool}}}, keeping both indexes in step. The acting uid must be the
// userId.
func Favorites(state, action ir.Value, resolve func(ir.Value)) ir.Value {
	favs := asObject(state)
	if len(favs) == 0 {
		favs = emptyFavorites()
	}
	act := asObject(action)

	slug, userID := str(act, "slug"), str(act, "userId")
	if userID == "" || str(act, "uid") != userID {
		resolve(ir.Unauthorized(unauthorizedAction))
		return favs
	}
	if slug == "" {
		resolve(ir.Errors(map[string]string{"slug": "is required"}))
		return favs
	}

	var flag bool
	switch str(act, "type") {
	case Favorite:
		flag = true
	case Unfavorite:
		flag = false
	default:
		return favs
	}

	articles := favs.Obj("articles")
	users := favs.Obj("users")

	resolve(ok())
	return ir.Object{
		"articles": articles.With(slug, articles.Obj(slug).With(userID, ir.Bool(flag))),
		"users":    users.With(userID, users.Obj(userID).With(slug, ir.Bool(flag))),
	}
}

// FavoritesCount returns how many users currently favorite slug.
func FavoritesCount(state ir.Value, slug string) int {
	n := 0
	for _, v := range asObject(state).Obj("articles").Obj(slug) {
		if v == ir.Bool(true) {
			n++
		}
	}
	return n
}
