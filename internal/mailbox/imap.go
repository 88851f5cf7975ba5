package mailbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mail-classifier/internal/model"
)

// imapConn implements Conn on top of a go-imap v2 client.
type imapConn struct {
	client   *imapclient.Client
	addr     string
	selected *FolderStatus
}

// Noop sends a NOOP probe to verify the connection is responsive.
func (c *imapConn) Noop(_ context.Context) error {
	if err := c.client.Noop().Wait(); err != nil {
		return &ConnError{Addr: c.addr, Message: fmt.Sprintf("keepalive probe failed: %v", err)}
	}
	return nil
}

// ListFolders lists all folders in the account.
func (c *imapConn) ListFolders(_ context.Context) ([]model.Folder, error) {
	listCmd := c.client.List("", "*", nil)
	data, err := listCmd.Collect()
	if err != nil {
		return nil, &ConnError{Addr: c.addr, Message: fmt.Sprintf("listing folders: %v", err)}
	}

	folders := make([]model.Folder, 0, len(data))
	for _, mbox := range data {
		f := model.Folder{
			Name:      mbox.Mailbox,
			Delimiter: string(mbox.Delim),
		}
		for _, attr := range mbox.Attrs {
			f.Attributes = append(f.Attributes, string(attr))
		}
		folders = append(folders, f)
	}

	sort.Slice(folders, func(i, j int) bool { return folders[i].Name < folders[j].Name })
	return folders, nil
}

// SelectFolder opens a folder for subsequent fetches and records its
// UIDVALIDITY for cursor checks.
func (c *imapConn) SelectFolder(_ context.Context, name string) (*FolderStatus, error) {
	data, err := c.client.Select(name, nil).Wait()
	if err != nil {
		return nil, &ConnError{Addr: c.addr, Message: fmt.Sprintf("selecting %s: %v", name, err)}
	}

	c.selected = &FolderStatus{
		Name:        name,
		NumMessages: data.NumMessages,
		UIDValidity: data.UIDValidity,
	}
	return c.selected, nil
}

// FetchPage returns up to size items positioned after the cursor in
// the selected folder. A cursor minted under a different UIDVALIDITY
// restarts from the beginning of the folder.
func (c *imapConn) FetchPage(ctx context.Context, cursor string, size int) (*Page, error) {
	if c.selected == nil {
		return nil, fmt.Errorf("no folder selected")
	}

	cur, err := ParseCursor(cursor)
	if err != nil {
		return nil, err
	}
	if cur.UIDValidity != 0 && cur.UIDValidity != c.selected.UIDValidity {
		// Folder generation changed; prior UIDs are meaningless.
		cur = Cursor{}
	}

	var uidRange imap.UIDSet
	uidRange.AddRange(imap.UID(cur.LastUID+1), 0)

	searchData, err := c.client.UIDSearch(&imap.SearchCriteria{
		UID: []imap.UIDSet{uidRange},
	}, nil).Wait()
	if err != nil {
		return nil, &ConnError{Addr: c.addr, Message: fmt.Sprintf("searching items: %v", err)}
	}

	uids := searchData.AllUIDs()
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	hasMore := false
	if size > 0 && len(uids) > size {
		uids = uids[:size]
		hasMore = true
	}

	if len(uids) == 0 {
		return &Page{NextCursor: cursor, HasMore: false}, nil
	}

	items, err := c.fetchItems(ctx, uids)
	if err != nil {
		return nil, err
	}

	next := Cursor{
		UIDValidity: c.selected.UIDValidity,
		LastUID:     uint32(uids[len(uids)-1]),
	}
	return &Page{Items: items, NextCursor: next.String(), HasMore: hasMore}, nil
}

// fetchItems fetches envelope, flags, and body text for a set of UIDs.
func (c *imapConn) fetchItems(_ context.Context, uids []imap.UID) ([]Item, error) {
	uidSet := imap.UIDSetNum(uids...)

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := c.client.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	var items []Item
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		item := Item{ID: strconv.FormatUint(uint64(buf.UID), 10)}

		if buf.Envelope != nil {
			item.Subject = buf.Envelope.Subject
			item.Date = buf.Envelope.Date
			if len(buf.Envelope.From) > 0 {
				from := buf.Envelope.From[0]
				if from.Name != "" {
					item.From = from.Name
				} else {
					item.From = from.Addr()
				}
			}
		}

		for _, flag := range buf.Flags {
			item.Labels = append(item.Labels, string(flag))
		}

		if raw := buf.FindBodySection(bodySection); raw != nil {
			item.Text = extractText(raw)
		}

		items = append(items, item)
	}

	if err := fetchCmd.Close(); err != nil {
		return items, &ConnError{Addr: c.addr, Message: fmt.Sprintf("fetching items: %v", err)}
	}

	return items, nil
}

// FetchItemLabels returns the authoritative label set for one item.
func (c *imapConn) FetchItemLabels(_ context.Context, itemID string) ([]string, error) {
	uid, err := parseUID(itemID)
	if err != nil {
		return nil, err
	}

	uidSet := imap.UIDSetNum(uid)
	fetchCmd := c.client.Fetch(uidSet, &imap.FetchOptions{Flags: true, UID: true})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fmt.Errorf("item %s not found", itemID)
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, &ConnError{Addr: c.addr, Message: fmt.Sprintf("fetching labels for %s: %v", itemID, err)}
	}

	labels := make([]string, 0, len(buf.Flags))
	for _, flag := range buf.Flags {
		labels = append(labels, string(flag))
	}

	if err := fetchCmd.Close(); err != nil {
		return labels, &ConnError{Addr: c.addr, Message: fmt.Sprintf("fetching labels for %s: %v", itemID, err)}
	}

	return labels, nil
}

// MutateLabel adds or removes a keyword label on one item.
func (c *imapConn) MutateLabel(_ context.Context, itemID, label string, add bool) error {
	uid, err := parseUID(itemID)
	if err != nil {
		return err
	}

	op := imap.StoreFlagsAdd
	if !add {
		op = imap.StoreFlagsDel
	}

	storeCmd := c.client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  []imap.Flag{imap.Flag(label)},
	}, nil)

	if err := storeCmd.Close(); err != nil {
		return &ConnError{Addr: c.addr, Message: fmt.Sprintf("mutating label on %s: %v", itemID, err)}
	}
	return nil
}

// Logout ends the remote session. Safe to call more than once; a dead
// connection just reports a closed error which is ignored upstream.
func (c *imapConn) Logout(_ context.Context) error {
	return c.client.Logout().Wait()
}

// parseUID converts a remote item id back to an IMAP UID.
func parseUID(itemID string) (imap.UID, error) {
	n, err := strconv.ParseUint(itemID, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed item id %q: %w", itemID, err)
	}
	return imap.UID(n), nil
}

// extractText parses a raw RFC 2822 body and returns its plain-text
// content, falling back to the raw bytes when MIME parsing fails.
func extractText(raw []byte) string {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw)
	}
	defer mr.Close()

	var textBody, htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}

		contentType, _, _ := h.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain"):
			textBody = string(body)
		case strings.HasPrefix(contentType, "text/html"):
			htmlBody = string(body)
		}
	}

	if textBody != "" {
		return textBody
	}
	return htmlBody
}
