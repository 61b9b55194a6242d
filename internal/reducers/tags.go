package reducers

import "github.com/roach88/compose/internal/ir"

// UpdateArticleTags replaces the tag set of one article.
const UpdateArticleTags = "UpdateArticleTags"

// Tags reduces a list of {slug, tag} pairs. UpdateArticleTags drops the
// slug's tags missing from tagList and appends the new ones in tagList
// order. Requires a uid.
func Tags(state, action ir.Value, resolve func(ir.Value)) ir.Value {
	pairs := asArray(state)
	act := asObject(action)

	if str(act, "uid") == "" {
		resolve(ir.Unauthorized(unauthorizedArticle))
		return pairs
	}
	if str(act, "type") != UpdateArticleTags {
		return pairs
	}

	slug := str(act, "slug")
	wanted := make(map[string]bool)
	var order []string
	for _, v := range asArray(act.Get("tagList")) {
		if tag, ok := v.(ir.String); ok && !wanted[string(tag)] {
			wanted[string(tag)] = true
			order = append(order, string(tag))
		}
	}

	kept := pairs.Filter(func(v ir.Value) bool {
		p := asObject(v)
		return str(p, "slug") != slug || wanted[str(p, "tag")]
	})

	have := make(map[string]bool)
	for _, v := range kept {
		if p := asObject(v); str(p, "slug") == slug {
			have[str(p, "tag")] = true
		}
	}

	next := kept
	for _, tag := range order {
		if !have[tag] {
			next = next.Append(ir.Object{"slug": ir.String(slug), "tag": ir.String(tag)})
		}
	}

	resolve(ok())
	return next
}

// TagNames returns the distinct tags in first-seen order.
func TagNames(state ir.Value) []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range asArray(state) {
		tag := str(asObject(v), "tag")
		if tag != "" && !seen[tag] {
			seen[tag] = true
			out = append(out, tag)
		}
	}
	return out
}
