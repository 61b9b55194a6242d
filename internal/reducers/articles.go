package reducers

import (
	"strconv"

	"github.com/roach88/compose/internal/ir"
)

// Article action types.
const (
	CreateArticle = "CreateArticle"
	UpdateArticle = "UpdateArticle"
	DeleteArticle = "DeleteArticle"
)

const unauthorizedArticle = "to edit article"

// ArticleFields is the editable part of an article.
type ArticleFields struct {
	Title       string
	Description string
	Body        string
	TagList     []string
}

func (f ArticleFields) value() ir.Object {
	tags := make(ir.Array, 0, len(f.TagList))
	for _, tag := range f.TagList {
		tags = append(tags, ir.String(tag))
	}
	return ir.Object{
		"title":       ir.String(f.Title),
		"description": ir.String(f.Description),
		"body":        ir.String(f.Body),
		"tagList":     tags,
	}
}

// NewCreateArticle builds a CreateArticle action. The slug and createdAt
// are chosen by the emitter so every replica stores the same article.
func NewCreateArticle(uid, slug string, fields ArticleFields, createdAt int64) ir.Object {
	return ir.Object{
		"type":      ir.String(CreateArticle),
		"uid":       ir.String(uid),
		"slug":      ir.String(slug),
		"article":   fields.value(),
		"createdAt": ir.Int(createdAt),
	}
}

// NewUpdateArticle builds an UpdateArticle action.
func NewUpdateArticle(uid, slug string, fields ArticleFields, updatedAt int64) ir.Object {
	return ir.Object{
		"type":      ir.String(UpdateArticle),
		"uid":       ir.String(uid),
		"slug":      ir.String(slug),
		"article":   fields.value(),
		"updatedAt": ir.Int(updatedAt),
	}
}

// NewDeleteArticle builds a DeleteArticle action.
func NewDeleteArticle(uid, slug string) ir.Object {
	return ir.Object{
		"type": ir.String(DeleteArticle),
		"uid":  ir.String(uid),
		"slug": ir.String(slug),
	}
}

// ArticleTags returns the UpdateArticleTags action that accompanies a
// create or update, for the tags channel. Reducers cannot emit, so the
// caller sends it.
func ArticleTags(action ir.Value) (ir.Object, bool) {
	act := asObject(action)
	switch str(act, "type") {
	case CreateArticle, UpdateArticle:
	default:
		return nil, false
	}
	list := asArray(act.Obj("article").Get("tagList"))
	return ir.Object{
		"type":    ir.String(UpdateArticleTags),
		"uid":     act.Get("uid"),
		"slug":    act.Get("slug"),
		"tagList": list,
	}, true
}

// Articles reduces a list of {slug, title, description, body, createdAt,
// updatedAt, author}.
//
// CreateArticle appends a new slug. UpdateArticle and DeleteArticle apply
// only when the acting uid is the author. Every accepted action resolves
// {"slug": slug}. All actions require a uid.
func Articles(state, action ir.Value, resolve func(ir.Value)) ir.Value {
	articles := asArray(state)
	act := asObject(action)

	uid := str(act, "uid")
	if uid == "" {
		resolve(ir.Unauthorized(unauthorizedArticle))
		return articles
	}
	slug := str(act, "slug")
	fields := act.Obj("article")

	switch str(act, "type") {
	case CreateArticle:
		if slug == "" {
			resolve(ir.Errors(map[string]string{"slug": "can't be blank"}))
			return articles
		}
		if findArticle(articles, slug) != nil {
			resolve(ir.Errors(map[string]string{"slug": "has already been taken"}))
			return articles
		}
		createdAt := intField(act, "createdAt")
		resolve(ir.Object{"slug": ir.String(slug)})
		return articles.Append(ir.Object{
			"slug":        ir.String(slug),
			"title":       stringOrEmpty(fields.Get("title")),
			"description": stringOrEmpty(fields.Get("description")),
			"body":        stringOrEmpty(fields.Get("body")),
			"createdAt":   ir.Int(createdAt),
			"updatedAt":   ir.Int(createdAt),
			"author":      ir.String(uid),
		})

	case UpdateArticle:
		a := findArticle(articles, slug)
		if a == nil || str(a, "author") != uid {
			resolve(ir.Unauthorized(unauthorizedAction))
			return articles
		}
		updated := a.
			With("title", stringOrEmpty(fields.Get("title"))).
			With("description", stringOrEmpty(fields.Get("description"))).
			With("body", stringOrEmpty(fields.Get("body"))).
			With("updatedAt", ir.Int(intField(act, "updatedAt")))
		next := make(ir.Array, len(articles))
		for i, v := range articles {
			if str(asObject(v), "slug") == slug {
				next[i] = updated
			} else {
				next[i] = v
			}
		}
		resolve(ir.Object{"slug": ir.String(slug)})
		return next

	case DeleteArticle:
		a := findArticle(articles, slug)
		if a == nil || str(a, "author") != uid {
			resolve(ir.Unauthorized(unauthorizedAction))
			return articles
		}
		resolve(ir.Object{"slug": ir.String(slug)})
		return articles.Filter(func(v ir.Value) bool {
			return str(asObject(v), "slug") != slug
		})

	default:
		return articles
	}
}

// SeedArticles migrates a prior articles channel: updatedAt values stored
// as decimal strings become integers, and a missing updatedAt falls back
// to createdAt.
func SeedArticles(prior ir.Value) ir.Value {
	articles := asArray(prior)
	out := make(ir.Array, 0, len(articles))
	for _, v := range articles {
		a := asObject(v)
		updated, ok := toInt(a.Get("updatedAt"))
		if !ok {
			updated, _ = toInt(a.Get("createdAt"))
		}
		out = append(out, a.With("updatedAt", ir.Int(updated)))
	}
	return out
}

func findArticle(articles ir.Array, slug string) ir.Object {
	for _, v := range articles {
		if a := asObject(v); str(a, "slug") == slug {
			return a
		}
	}
	return nil
}

func intField(obj ir.Object, key string) int64 {
	n, _ := toInt(obj.Get(key))
	return n
}

func toInt(v ir.Value) (int64, bool) {
	switch n := v.(type) {
	case ir.Int:
		return int64(n), true
	case ir.String:
		i, err := strconv.ParseInt(string(n), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func stringOrEmpty(v ir.Value) ir.Value {
	if s, ok := v.(ir.String); ok {
		return s
	}
	return ir.String("")
}
