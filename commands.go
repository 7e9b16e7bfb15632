package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/deemkeen/federa/db"
	"github.com/deemkeen/federa/domain"
	"github.com/deemkeen/federa/federation"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

var authorFlag = &cli.StringFlag{
	Name:     "author",
	Usage:    "local author id or url acting",
	Required: true,
}

var nodesCommand = &cli.Command{
	Name:  "nodes",
	Usage: "manage the peers this node federates with",
	Subcommands: []*cli.Command{
		{
			Name:      "add",
			Usage:     "register a peer node",
			ArgsUsage: "<host url>",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "name"},
				&cli.StringFlag{Name: "username", Required: true, Usage: "basic auth user shared with the peer"},
				&cli.StringFlag{Name: "password", Required: true, EnvVars: []string{"FEDERA_NODE_PASSWORD"}},
			},
			Action: func(cctx *cli.Context) error {
				_, fed, err := openNode(cctx)
				if err != nil {
					return err
				}
				defer fed.DB.Close()
				if cctx.Args().Len() != 1 {
					return fmt.Errorf("need exactly one host url")
				}
				node, err := fed.Registry.Create(cctx.Context, cctx.String("name"), cctx.Args().First(), cctx.String("username"), cctx.String("password"))
				if err != nil {
					return err
				}
				fmt.Println(node.ToString())
				return nil
			},
		},
		{
			Name:  "list",
			Usage: "list all nodes, active or not",
			Action: func(cctx *cli.Context) error {
				_, fed, err := openNode(cctx)
				if err != nil {
					return err
				}
				defer fed.DB.Close()
				nodes, err := fed.Registry.List(cctx.Context)
				if err != nil {
					return err
				}
				for _, n := range nodes {
					authors, err := fed.DB.ReadAuthorsByNode(cctx.Context, n.Id)
					if err != nil {
						return err
					}
					fmt.Printf("%-20s %-40s active=%-5v authors=%d\n", n.Name, n.Host, n.IsActive, len(authors))
					runs, err := fed.DB.ReadSyncRuns(cctx.Context, n.Id, 1)
					if err != nil {
						return err
					}
					if len(runs) == 1 {
						printRun("  last sync "+runs[0].FinishedAt.Format("2006-01-02 15:04"), &runs[0])
					}
				}
				return nil
			},
		},
		{
			Name:      "deactivate",
			Usage:     "stop federating with a node",
			ArgsUsage: "<name or host>",
			Action: func(cctx *cli.Context) error {
				_, fed, err := openNode(cctx)
				if err != nil {
					return err
				}
				defer fed.DB.Close()
				_, err = fed.Registry.Deactivate(cctx.Context, cctx.Args().First())
				return err
			},
		},
	},
}

var authorsCommand = &cli.Command{
	Name:  "authors",
	Usage: "manage local authors",
	Subcommands: []*cli.Command{
		{
			Name:      "add",
			Usage:     "create a local author",
			ArgsUsage: "<display name>",
			Action: func(cctx *cli.Context) error {
				_, fed, err := openNode(cctx)
				if err != nil {
					return err
				}
				defer fed.DB.Close()
				author, err := fed.CreateAuthor(cctx.Context, strings.Join(cctx.Args().Slice(), " "))
				if err != nil {
					return err
				}
				fmt.Println(author.ToString())
				return nil
			},
		},
		{
			Name:      "show",
			Usage:     "show an author, refreshing remote ones from their node",
			ArgsUsage: "<author id or url>",
			Action: func(cctx *cli.Context) error {
				_, fed, err := openNode(cctx)
				if err != nil {
					return err
				}
				defer fed.DB.Close()
				author, err := fed.Resolver.RefreshAuthor(cctx.Context, authorArg(fed, cctx.Args().First()))
				if err != nil {
					return err
				}
				fmt.Println(author.ToString())
				return nil
			},
		},
		{
			Name:  "list",
			Usage: "list local authors",
			Flags: pageFlags(),
			Action: func(cctx *cli.Context) error {
				_, fed, err := openNode(cctx)
				if err != nil {
					return err
				}
				defer fed.DB.Close()
				authors, err := fed.DB.ReadLocalAuthors(cctx.Context, cctx.Int("page"), cctx.Int("size"))
				if err != nil {
					return err
				}
				for _, a := range authors {
					fmt.Printf("%s  %s\n", a.URL, a.DisplayName)
				}
				return nil
			},
		},
	},
}

var entriesCommand = &cli.Command{
	Name:  "entries",
	Usage: "publish and manage entries of local authors",
	Subcommands: []*cli.Command{
		{
			Name:      "post",
			Usage:     "store a new entry and federate it",
			ArgsUsage: "<content>",
			Flags: []cli.Flag{
				authorFlag,
				&cli.StringFlag{Name: "title"},
				&cli.StringFlag{Name: "description"},
				&cli.StringFlag{Name: "visibility", Value: string(domain.VisibilityPublic), Usage: "public, unlisted, friends or deleted"},
				&cli.StringFlag{Name: "content-type", Value: "text/markdown"},
			},
			Action: runPost,
		},
		{
			Name:  "list",
			Usage: "list entries of an author",
			Flags: append(pageFlags(), authorFlag),
			Action: func(cctx *cli.Context) error {
				_, fed, err := openNode(cctx)
				if err != nil {
					return err
				}
				defer fed.DB.Close()
				entries, err := fed.DB.ReadEntriesByAuthor(cctx.Context, authorArg(fed, cctx.String("author")), cctx.Int("page"), cctx.Int("size"))
				if err != nil {
					return err
				}
				for _, e := range entries {
					likes, err := fed.DB.CountLikes(cctx.Context, e.URL)
					if err != nil {
						return err
					}
					comments, err := fed.DB.ReadCommentsByEntry(cctx.Context, e.URL)
					if err != nil {
						return err
					}
					fmt.Printf("%s  [%s] %s  likes=%d comments=%d\n", e.URL, e.Visibility, e.Title, likes, len(comments))
				}
				return nil
			},
		},
		{
			Name:      "show",
			Usage:     "show an entry with its likes and comments",
			ArgsUsage: "<entry id or url>",
			Action: func(cctx *cli.Context) error {
				_, fed, err := openNode(cctx)
				if err != nil {
					return err
				}
				defer fed.DB.Close()
				entry, err := entryArg(cctx.Context, fed, cctx.Args().First())
				if err != nil {
					return err
				}
				fmt.Println(entry.ToString())
				likes, err := fed.DB.ReadLikesByObject(cctx.Context, entry.URL)
				if err != nil {
					return err
				}
				for _, l := range likes {
					fmt.Printf("  liked by %s\n", l.AuthorURL)
				}
				comments, err := fed.DB.ReadCommentsByEntry(cctx.Context, entry.URL)
				if err != nil {
					return err
				}
				for _, c := range comments {
					fmt.Printf("  %s: %s\n", c.AuthorURL, c.Content)
				}
				return nil
			},
		},
		{
			Name:      "edit",
			Usage:     "change a local entry and send the update to everyone who received it",
			ArgsUsage: "<entry id or url>",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "title"},
				&cli.StringFlag{Name: "description"},
				&cli.StringFlag{Name: "content"},
				&cli.StringFlag{Name: "content-type"},
				&cli.StringFlag{Name: "visibility", Usage: "public, unlisted or friends"},
			},
			Action: runEdit,
		},
		{
			Name:      "delete",
			Usage:     "soft-delete a local entry and tell everyone who received it",
			ArgsUsage: "<entry id or url>",
			Action: func(cctx *cli.Context) error {
				_, fed, err := openNode(cctx)
				if err != nil {
					return err
				}
				defer fed.DB.Close()
				entry, err := entryArg(cctx.Context, fed, cctx.Args().First())
				if err != nil {
					return err
				}
				report, err := fed.Dispatcher.DeleteEntry(cctx.Context, entry)
				if err != nil {
					return err
				}
				printReport(report)
				return nil
			},
		},
	},
}

var followCommand = &cli.Command{
	Name:  "follow",
	Usage: "follow authors and answer follow requests",
	Subcommands: []*cli.Command{
		{
			Name:      "request",
			Usage:     "ask to follow an author",
			ArgsUsage: "<author url>",
			Flags:     []cli.Flag{authorFlag},
			Action: func(cctx *cli.Context) error {
				_, fed, err := openNode(cctx)
				if err != nil {
					return err
				}
				defer fed.DB.Close()
				follow, res, err := fed.Dispatcher.SendFollowRequest(cctx.Context, authorArg(fed, cctx.String("author")), cctx.Args().First())
				if err != nil {
					return err
				}
				fmt.Printf("Follow %s is %s\n", follow.Id, follow.Status)
				printResult(res)
				return nil
			},
		},
		{
			Name:      "accept",
			Usage:     "accept a pending follow",
			ArgsUsage: "<follow id>",
			Action: func(cctx *cli.Context) error {
				return respond(cctx, true)
			},
		},
		{
			Name:      "reject",
			Usage:     "reject a pending follow",
			ArgsUsage: "<follow id>",
			Action: func(cctx *cli.Context) error {
				return respond(cctx, false)
			},
		},
		{
			Name:  "list",
			Usage: "show who an author follows and who asked to follow them",
			Flags: []cli.Flag{authorFlag},
			Action: func(cctx *cli.Context) error {
				_, fed, err := openNode(cctx)
				if err != nil {
					return err
				}
				defer fed.DB.Close()
				author := authorArg(fed, cctx.String("author"))
				following, err := fed.DB.ReadFollowing(cctx.Context, author)
				if err != nil {
					return err
				}
				for _, f := range following {
					status := string(f.Status)
					if _, err := fed.DB.ReadFriendship(cctx.Context, author, f.FollowedURL); err == nil {
						status = "friends"
					} else if !errors.Is(err, db.ErrNotFound) {
						return err
					}
					fmt.Printf("following %s (%s)\n", f.FollowedURL, status)
				}
				pending, err := fed.DB.ReadFollowers(cctx.Context, author, domain.FollowPending)
				if err != nil {
					return err
				}
				for _, f := range pending {
					fmt.Printf("request   %s from %s\n", f.Id, f.FollowerURL)
				}
				return nil
			},
		},
	},
}

var inboxCommand = &cli.Command{
	Name:  "inbox",
	Usage: "read the inbox of a local author",
	Subcommands: []*cli.Command{
		{
			Name:  "list",
			Usage: "list inbox items, newest first",
			Flags: append(pageFlags(), authorFlag,
				&cli.BoolFlag{Name: "unread"},
				&cli.StringFlag{Name: "kind", Usage: "entry, comment, like, follow, accept or reject"},
			),
			Action: func(cctx *cli.Context) error {
				_, fed, err := openNode(cctx)
				if err != nil {
					return err
				}
				defer fed.DB.Close()
				filter := domain.InboxFilter{
					UnreadOnly: cctx.Bool("unread"),
					Page:       cctx.Int("page"),
					Size:       cctx.Int("size"),
				}
				if k := cctx.String("kind"); k != "" {
					kind, ok := domain.ParseActivityKind(k)
					if !ok {
						return fmt.Errorf("unknown kind %q", k)
					}
					filter.Kind = kind
				}
				items, err := fed.Inbox.List(cctx.Context, authorArg(fed, cctx.String("author")), filter)
				if err != nil {
					return err
				}
				for _, item := range items {
					mark := " "
					if !item.IsRead {
						mark = "*"
					}
					what := item.Ref.Id.String()
					if obj, err := fed.Inbox.Object(cctx.Context, &item); err == nil {
						what = obj.Describe()
					}
					fmt.Printf("%s %s  %-8s %s %s\n", mark, item.Id, item.Kind, item.ReceivedAt.Format("2006-01-02 15:04"), what)
				}
				return nil
			},
		},
		{
			Name:      "show",
			Usage:     "show one item with the payload it arrived with",
			ArgsUsage: "<item id>",
			Flags:     []cli.Flag{authorFlag},
			Action: func(cctx *cli.Context) error {
				_, fed, err := openNode(cctx)
				if err != nil {
					return err
				}
				defer fed.DB.Close()
				id, err := uuid.Parse(cctx.Args().First())
				if err != nil {
					return fmt.Errorf("item id %q: %w", cctx.Args().First(), err)
				}
				item, err := fed.Inbox.Get(cctx.Context, authorArg(fed, cctx.String("author")), id)
				if err != nil {
					return err
				}
				obj, err := fed.Inbox.Object(cctx.Context, item)
				if err != nil {
					return err
				}
				fmt.Printf("%s %s  %s\n%s\n", item.Kind, item.ReceivedAt.Format("2006-01-02 15:04"), obj.Describe(), item.Payload)
				return nil
			},
		},
		{
			Name:  "stats",
			Usage: "count inbox items by kind",
			Flags: []cli.Flag{authorFlag},
			Action: func(cctx *cli.Context) error {
				_, fed, err := openNode(cctx)
				if err != nil {
					return err
				}
				defer fed.DB.Close()
				stats, err := fed.Inbox.Stats(cctx.Context, authorArg(fed, cctx.String("author")))
				if err != nil {
					return err
				}
				fmt.Printf("total %d, unread %d\n", stats.Total, stats.Unread)
				for kind, n := range stats.ByKind {
					fmt.Printf("  %-8s %d\n", kind, n)
				}
				return nil
			},
		},
		{
			Name:      "read",
			Usage:     "mark items as read",
			ArgsUsage: "<item id>...",
			Flags:     []cli.Flag{authorFlag},
			Action: func(cctx *cli.Context) error {
				_, fed, err := openNode(cctx)
				if err != nil {
					return err
				}
				defer fed.DB.Close()
				var ids []uuid.UUID
				for _, arg := range cctx.Args().Slice() {
					id, err := uuid.Parse(arg)
					if err != nil {
						return fmt.Errorf("item id %q: %w", arg, err)
					}
					ids = append(ids, id)
				}
				n, err := fed.Inbox.MarkRead(cctx.Context, authorArg(fed, cctx.String("author")), ids...)
				if err != nil {
					return err
				}
				fmt.Printf("%d marked read\n", n)
				return nil
			},
		},
	},
}

func pageFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "page", Value: 1},
		&cli.IntFlag{Name: "size", Value: 20},
	}
}

func runPost(cctx *cli.Context) error {
	_, fed, err := openNode(cctx)
	if err != nil {
		return err
	}
	defer fed.DB.Close()

	visibility, ok := domain.ParseVisibility(cctx.String("visibility"))
	if !ok {
		return fmt.Errorf("unknown visibility %q", cctx.String("visibility"))
	}
	entry, report, err := fed.Publish(cctx.Context, authorArg(fed, cctx.String("author")), domain.Entry{
		Title:       cctx.String("title"),
		Description: cctx.String("description"),
		Content:     strings.Join(cctx.Args().Slice(), " "),
		ContentType: cctx.String("content-type"),
		Visibility:  visibility,
	})
	if err != nil {
		return err
	}
	fmt.Println(entry.URL)
	printReport(report)
	return nil
}

func runEdit(cctx *cli.Context) error {
	_, fed, err := openNode(cctx)
	if err != nil {
		return err
	}
	defer fed.DB.Close()

	entry, err := entryArg(cctx.Context, fed, cctx.Args().First())
	if err != nil {
		return err
	}
	if cctx.IsSet("title") {
		entry.Title = cctx.String("title")
	}
	if cctx.IsSet("description") {
		entry.Description = cctx.String("description")
	}
	if cctx.IsSet("content") {
		entry.Content = cctx.String("content")
	}
	if cctx.IsSet("content-type") {
		entry.ContentType = cctx.String("content-type")
	}
	if cctx.IsSet("visibility") {
		visibility, ok := domain.ParseVisibility(cctx.String("visibility"))
		if !ok || visibility == domain.VisibilityDeleted {
			return fmt.Errorf("unknown visibility %q", cctx.String("visibility"))
		}
		entry.Visibility = visibility
	}
	report, err := fed.Dispatcher.UpdateEntry(cctx.Context, entry)
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func runLike(cctx *cli.Context) error {
	_, fed, err := openNode(cctx)
	if err != nil {
		return err
	}
	defer fed.DB.Close()
	like, res, err := fed.Dispatcher.SendLike(cctx.Context, authorArg(fed, cctx.String("author")), cctx.Args().First())
	if err != nil {
		return err
	}
	fmt.Println(like.URL)
	printResult(res)
	return nil
}

func runComment(cctx *cli.Context) error {
	_, fed, err := openNode(cctx)
	if err != nil {
		return err
	}
	defer fed.DB.Close()
	if cctx.Args().Len() < 2 {
		return fmt.Errorf("need an entry url and the comment text")
	}
	text := strings.Join(cctx.Args().Tail(), " ")
	comment, res, err := fed.Dispatcher.SendComment(cctx.Context, authorArg(fed, cctx.String("author")), cctx.Args().First(), text, cctx.String("content-type"))
	if err != nil {
		return err
	}
	fmt.Println(comment.URL)
	printResult(res)
	return nil
}

func runResend(cctx *cli.Context) error {
	_, fed, err := openNode(cctx)
	if err != nil {
		return err
	}
	defer fed.DB.Close()
	entry, err := entryArg(cctx.Context, fed, cctx.String("entry"))
	if err != nil {
		return err
	}
	report, err := fed.Dispatcher.PostEntry(cctx.Context, entry)
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func respond(cctx *cli.Context, accept bool) error {
	_, fed, err := openNode(cctx)
	if err != nil {
		return err
	}
	defer fed.DB.Close()
	id, err := uuid.Parse(cctx.Args().First())
	if err != nil {
		return fmt.Errorf("follow id %q: %w", cctx.Args().First(), err)
	}
	follow, res, err := fed.Dispatcher.RespondToFollow(cctx.Context, id, accept)
	if err != nil {
		return err
	}
	fmt.Printf("Follow from %s is %s\n", follow.FollowerURL, follow.Status)
	printResult(res)
	return nil
}

// authorArg accepts a local author id or a full author url
func authorArg(fed *federation.Federation, s string) string {
	if id, err := uuid.Parse(s); err == nil {
		return federation.AuthorURL(fed.Config.PublicURL, id)
	}
	return s
}

func entryArg(ctx context.Context, fed *federation.Federation, s string) (*domain.Entry, error) {
	var entry *domain.Entry
	var err error
	if id, perr := uuid.Parse(s); perr == nil {
		entry, err = fed.DB.ReadEntryById(ctx, id)
	} else {
		entry, err = fed.DB.ReadEntryByURL(ctx, s)
	}
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("entry %q not found", s)
	}
	return entry, err
}

func printRun(name string, run *domain.SyncRun) {
	if run == nil {
		fmt.Printf("%-20s skipped (this node)\n", name)
		return
	}
	fmt.Printf("%-20s authors +%d ~%d  entries +%d ~%d", name,
		run.AuthorsCreated, run.AuthorsUpdated, run.EntriesCreated, run.EntriesUpdated)
	if run.Error != "" {
		fmt.Printf("  error: %s", run.Error)
	}
	fmt.Println()
}

func printReport(report *federation.DeliveryReport) {
	for _, res := range report.Results {
		printResult(&res)
	}
	fmt.Printf("%d deliveries, %d failed\n", len(report.Results), report.Failed())
	for node, ok := range report.ByNode() {
		verdict := "ok"
		if !ok {
			verdict = "failed"
		}
		fmt.Printf("  node %-20s %s\n", node, verdict)
	}
}

func printResult(res *federation.DeliveryResult) {
	if res == nil {
		return
	}
	where := res.Node
	if res.Recipient != "" {
		where += " -> " + res.Recipient
	}
	switch {
	case res.Local:
		fmt.Printf("  local  %s\n", res.Recipient)
	case res.Self:
		fmt.Printf("  self   %s\n", where)
	case res.Success:
		fmt.Printf("  ok     %s\n", where)
	default:
		fmt.Printf("  failed %s: %v\n", where, res.Err)
	}
}
