package adminsocket

import (
	"encoding/base64"
	"errors"
	"os"
	"strconv"

	"github.com/rootacite/abyss/internal/audit"
	"github.com/rootacite/abyss/internal/authz"
	"github.com/rootacite/abyss/internal/identity"
	"github.com/rootacite/abyss/internal/session"
)

// defaultPerm is the permission new attributes get when no explicit
// permission is supplied (include, the root/media-root bootstrap walk).
const defaultPerm = "rw,--,--"

// reservedPerm is the permission the bootstrap directories (Tasks, Live,
// Videos, Images) are created with.
const reservedPerm = "rw,r-,r-"

// bootstrapDirs are the directories a fresh media root gets on init, beyond
// the Tasks and Live directories Engine.Bootstrap already creates.
var bootstrapDirs = []string{"Videos", "Images"}

// errBadParams is returned by handlers for malformed parameter lists.
var errBadParams = errors.New("adminsocket: malformed parameters")

// NewDeps builds the admin-socket dispatch Deps wired against the identity
// store, session service, and authorization engine of one running daemon.
func NewDeps(users *identity.Store, sessions *session.Service, engine *authz.Engine) *Deps {
	return &Deps{
		Init:    func(params []string) Response { return handleInit(users, sessions, engine, params) },
		UserAdd: func(params []string) Response { return handleUserAdd(sessions, params) },
		Include: func(params []string) Response { return handleInclude(users, engine, params) },
		Chmod:   func(params []string) Response { return handleChmod(users, engine, params) },
		List:    func(params []string) Response { return handleList(users, engine, params) },
	}
}

func errResponse(err error) Response {
	return Response{Head: 500, Params: []string{err.Error()}}
}

// rootUser loads the bootstrap root identity, assumed to already exist for
// every handler but Init.
func rootUser(users *identity.Store) (*identity.User, error) {
	return users.FindByUUID(identity.RootUUID)
}

func handleInit(users *identity.Store, sessions *session.Service, engine *authz.Engine, params []string) Response {
	empty, err := users.IsEmpty()
	if err != nil {
		return errResponse(err)
	}
	if !empty {
		return Response{Head: 409, Params: []string{"already initialized"}}
	}

	rootPrivilege := 100
	uuid, priv, err := sessions.AdminCreateUser("root", rootPrivilege, 0)
	if err != nil {
		audit.LogFailure("root", "init", "", err.Error())
		return errResponse(err)
	}
	root, err := users.FindByUUID(uuid)
	if err != nil {
		audit.LogFailure("root", "init", "", err.Error())
		return errResponse(err)
	}

	if err := engine.Bootstrap(); err != nil {
		audit.LogFailure("root", "init", "", err.Error())
		return errResponse(err)
	}
	for _, dir := range bootstrapDirs {
		full := engine.FullPath(dir)
		if err := os.MkdirAll(full, 0o755); err != nil {
			audit.LogFailure("root", "init", dir, err.Error())
			return errResponse(err)
		}
		if err := engine.Include(*root, dir, root.UUID, reservedPerm); err != nil && !errors.Is(err, authz.ErrConflict) {
			audit.LogFailure("root", "init", dir, err.Error())
			return errResponse(err)
		}
	}

	audit.LogSuccess("root", "init", "")
	return Response{Head: 200, Params: []string{base64.StdEncoding.EncodeToString(priv)}}
}

func handleUserAdd(sessions *session.Service, params []string) Response {
	if len(params) < 2 {
		return errResponse(errBadParams)
	}
	username := params[0]
	privilege, err := strconv.Atoi(params[1])
	if err != nil {
		return errResponse(errBadParams)
	}

	uuid, priv, err := sessions.AdminCreateUser(username, privilege, identity.RootUUID)
	if err != nil {
		audit.LogFailure("root", "useradd", username, err.Error())
		return errResponse(err)
	}
	_ = uuid
	audit.LogSuccess("root", "useradd", username)
	return Response{Head: 200, Params: []string{base64.StdEncoding.EncodeToString(priv)}}
}

func handleInclude(users *identity.Store, engine *authz.Engine, params []string) Response {
	if len(params) < 3 {
		return errResponse(errBadParams)
	}
	path := params[0]
	owner, err := strconv.ParseInt(params[1], 10, 64)
	if err != nil {
		return errResponse(errBadParams)
	}
	recursive := params[2] == "true"

	root, err := rootUser(users)
	if err != nil {
		audit.LogFailure("root", "include", path, err.Error())
		return errResponse(err)
	}

	if recursive {
		n, err := engine.Initialize(*root, path, owner)
		if err != nil {
			audit.LogFailure("root", "include", path, err.Error())
			return errResponse(err)
		}
		audit.LogSuccess("root", "include", path)
		return Response{Head: 200, Params: []string{strconv.Itoa(n)}}
	}
	if err := engine.Include(*root, path, owner, defaultPerm); err != nil {
		audit.LogFailure("root", "include", path, err.Error())
		return errResponse(err)
	}
	audit.LogSuccess("root", "include", path)
	return Response{Head: 200}
}

func handleChmod(users *identity.Store, engine *authz.Engine, params []string) Response {
	if len(params) < 3 {
		return errResponse(errBadParams)
	}
	path, perm := params[0], params[1]
	recursive := params[2] == "true"

	root, err := rootUser(users)
	if err != nil {
		audit.LogFailure("root", "chmod", path, err.Error())
		return errResponse(err)
	}
	n, err := engine.Chmod(*root, path, perm, recursive)
	if err != nil {
		audit.LogFailure("root", "chmod", path, err.Error())
		return errResponse(err)
	}
	audit.LogSuccess("root", "chmod", path)
	return Response{Head: 200, Params: []string{strconv.Itoa(n)}}
}

func handleList(users *identity.Store, engine *authz.Engine, params []string) Response {
	if len(params) < 1 {
		return errResponse(errBadParams)
	}
	path := params[0]

	entries, err := os.ReadDir(engine.FullPath(path))
	if err != nil {
		return errResponse(err)
	}

	rendered := make([]authz.RenderEntry, 0, len(entries))
	for _, ent := range entries {
		childPath := path + "/" + ent.Name()
		attr, err := engine.GetAttribute(childPath)
		if err != nil {
			continue
		}
		rendered = append(rendered, authz.RenderEntry{
			Name:       ent.Name(),
			IsDir:      ent.IsDir(),
			UID:        attr.UID,
			Owner:      attr.Owner,
			Permission: attr.Permission,
		})
	}
	return Response{Head: 200, Params: authz.Render(rendered)}
}
