package api

// Service accessors group Client methods by resource. Each service embeds
// *Client so it satisfies Requester and can read client options.

type ConversationsService struct{ *Client }

type MessagesService struct{ *Client }

type ContactsService struct{ *Client }

type LabelsService struct{ *Client }

func (c *Client) Conversations() ConversationsService { return ConversationsService{c} }

func (c *Client) Messages() MessagesService { return MessagesService{c} }

func (c *Client) Contacts() ContactsService { return ContactsService{c} }

func (c *Client) Labels() LabelsService { return LabelsService{c} }
